package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"factory-routing/internal/auth"
	"factory-routing/internal/types"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTP         HTTPConfig                   `mapstructure:"http"`
	Database     DatabaseConfig               `mapstructure:"database"`
	Log          LogConfig                    `mapstructure:"log"`
	Redis        RedisConfig                  `mapstructure:"redis"`
	Identity     IdentityConfig               `mapstructure:"identity"`
	StationsFile string                       `mapstructure:"stations_file"` // 为空时使用内置工站目录
	Roles        auth.Policy                  `mapstructure:"roles"`
	Routes       map[string][]types.RouteStep `mapstructure:"routes"` // 工艺路线模板，Key 为产品类型
	Rework       ReworkConfig                 `mapstructure:"rework"`
	JournalPath  string                       `mapstructure:"journal_path"` // 事件审计日志，为空则不写
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres | memory
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // 为空则不发布事件到 Redis
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type IdentityConfig struct {
	Endpoint  string              `mapstructure:"endpoint"` // 为空时使用 Users 静态角色表
	CacheTTL  time.Duration       `mapstructure:"cache_ttl"`
	RolesFile string              `mapstructure:"roles_file"`
	Users     map[string][]string `mapstructure:"users"`
}

type ReworkConfig struct {
	PriorityBoost int `mapstructure:"priority_boost"` // 返工子订单相对父订单提升的优先级
	MaxChainDepth int `mapstructure:"max_chain_depth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "routing.events")
	v.SetDefault("identity.endpoint", "")
	v.SetDefault("identity.cache_ttl", "30s")
	v.SetDefault("identity.roles_file", "")
	v.SetDefault("stations_file", "")
	v.SetDefault("rework.priority_boost", 1)
	v.SetDefault("rework.max_chain_depth", 10)
	v.SetDefault("journal_path", "")
}

// LoadConfig 加载配置
// path 为空时在当前目录和 ./configs 下查找 config.yaml，找不到则全部使用默认值。
// 环境变量 ROUTING_<SECTION>_<KEY> 覆盖文件中的同名配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	setDefaults(v)
	v.SetEnvPrefix("ROUTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if len(cfg.Roles.AdminRoles) == 0 {
		cfg.Roles = auth.DefaultPolicy()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Rework.MaxChainDepth <= 0 {
		return fmt.Errorf("rework.max_chain_depth must be positive")
	}
	if c.Rework.PriorityBoost < 0 {
		return fmt.Errorf("rework.priority_boost must not be negative")
	}
	for product, steps := range c.Routes {
		if len(steps) == 0 {
			return fmt.Errorf("route %s has no steps", product)
		}
		for i, s := range steps {
			if s.StationID == "" {
				return fmt.Errorf("route %s step %d has no station", product, i+1)
			}
		}
	}
	return nil
}
