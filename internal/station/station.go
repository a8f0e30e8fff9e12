package station

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"factory-routing/internal/types"

	"gopkg.in/yaml.v3"
)

// Category 工站类别，在目录加载时一次性确定，替代按名称的字符串匹配
type Category string

const (
	CategoryAssembly Category = "assembly"
	CategorySizing   Category = "sizing"
	CategoryCNC      Category = "cnc"
	CategoryPaint    Category = "paint"
	CategoryPacking  Category = "packing"
	CategoryQC       Category = "qc"
	CategoryRework   Category = "rework"
	CategoryOther    Category = "other"
)

// 名称关键字 -> 类别，仅在加载时使用一次
var categoryKeywords = []struct {
	keyword  string
	category Category
}{
	{"rework", CategoryRework},
	{"assembl", CategoryAssembly},
	{"sizing", CategorySizing},
	{"cnc", CategoryCNC},
	{"paint", CategoryPaint},
	{"pack", CategoryPacking},
	{"qc", CategoryQC},
	{"quality", CategoryQC},
	{"inspect", CategoryQC},
}

// Station 工站定义
type Station struct {
	ID            types.StationID `yaml:"id" json:"id"`
	Name          string          `yaml:"name" json:"name"`
	Category      Category        `yaml:"category" json:"category"`
	EligibleRoles []string        `yaml:"eligible_roles" json:"eligible_roles,omitempty"` // 可直接操作该工站的角色
}

// Eligible 角色是否在工站的可操作名单内
func (s Station) Eligible(role string) bool {
	for _, r := range s.EligibleRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Catalog 工站目录：只读的静态参考数据
type Catalog struct {
	stations map[types.StationID]Station
}

// InferCategory 根据名称推断类别
func InferCategory(name string) Category {
	lower := strings.ToLower(name)
	for _, kw := range categoryKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.category
		}
	}
	return CategoryOther
}

// NewCatalog 构建工站目录，未声明类别的工站按名称推断
func NewCatalog(stations []Station) (*Catalog, error) {
	c := &Catalog{stations: make(map[types.StationID]Station, len(stations))}
	for _, s := range stations {
		if s.ID == "" {
			return nil, fmt.Errorf("station %q has empty id", s.Name)
		}
		if _, dup := c.stations[s.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %s", s.ID)
		}
		if s.Name == "" {
			s.Name = string(s.ID)
		}
		if s.Category == "" {
			s.Category = InferCategory(s.Name)
		}
		c.stations[s.ID] = s
	}
	return c, nil
}

type catalogFile struct {
	Stations []Station `yaml:"stations"`
}

// LoadCatalog 从 YAML 文件加载工站目录
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工站目录失败: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析工站目录失败: %w", err)
	}
	return NewCatalog(f.Stations)
}

// Get 按 ID 查询工站
func (c *Catalog) Get(id types.StationID) (Station, bool) {
	s, ok := c.stations[id]
	return s, ok
}

// All 返回按 ID 排序的全部工站
func (c *Catalog) All() []Station {
	out := make([]Station, 0, len(c.stations))
	for _, s := range c.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Default 默认的门/门框产线工站
func Default() *Catalog {
	c, _ := NewCatalog([]Station{
		{ID: "ASSEMBLY", Name: "Assembly", Category: CategoryAssembly},
		{ID: "SIZING", Name: "Sizing", Category: CategorySizing},
		{ID: "CNC", Name: "CNC", Category: CategoryCNC},
		{ID: "PAINT", Name: "Paint", Category: CategoryPaint},
		{ID: "QC", Name: "Quality Control", Category: CategoryQC},
		{ID: "PACK", Name: "Packing", Category: CategoryPacking},
		{ID: "REWORK_SAND", Name: "Rework-Sand", Category: CategoryRework},
		{ID: "REWORK_PAINT", Name: "Rework-Paint", Category: CategoryRework},
	})
	return c
}
