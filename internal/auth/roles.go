package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"factory-routing/internal/logger"
	"factory-routing/internal/util"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RoleRepository 按用户 ID 查询角色集合，由外部身份服务提供
type RoleRepository interface {
	RolesOf(ctx context.Context, userID string) ([]string, error)
}

// StaticRoleRepository 固定的用户角色表，用于测试和单机部署
type StaticRoleRepository struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticRoleRepository 创建静态角色表
func NewStaticRoleRepository(roles map[string][]string) *StaticRoleRepository {
	m := make(map[string][]string, len(roles))
	for k, v := range roles {
		m[k] = append([]string(nil), v...)
	}
	return &StaticRoleRepository{roles: m}
}

// RolesFile 角色文件格式，identity-server 与静态部署共用
type RolesFile struct {
	Users map[string][]string `yaml:"users"`
}

// LoadRolesFile 从 YAML 文件读取用户角色表
func LoadRolesFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取角色文件失败: %w", err)
	}
	var f RolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析角色文件失败: %w", err)
	}
	return f.Users, nil
}

func (r *StaticRoleRepository) RolesOf(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.roles[userID]...), nil
}

// Set 更新某个用户的角色
func (r *StaticRoleRepository) Set(userID string, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[userID] = roles
}

// CachedRoleRepository 在远程查询前加一层进程内缓存
type CachedRoleRepository struct {
	next  RoleRepository
	cache *cache.Cache
}

// NewCachedRoleRepository ttl 为缓存有效期
func NewCachedRoleRepository(next RoleRepository, ttl time.Duration) *CachedRoleRepository {
	return &CachedRoleRepository{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedRoleRepository) RolesOf(ctx context.Context, userID string) ([]string, error) {
	if v, ok := c.cache.Get(userID); ok {
		return v.([]string), nil
	}
	roles, err := c.next.RolesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(userID, roles)
	return roles, nil
}

// Invalidate 角色变更后清除缓存
func (c *CachedRoleRepository) Invalidate(userID string) {
	c.cache.Delete(userID)
}

// RemoteRoleRepository 通过 HTTP 调用身份服务
type RemoteRoleRepository struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *zap.Logger
}

// NewRemoteRoleRepository 创建身份服务客户端
func NewRemoteRoleRepository(endpoint string, log *zap.Logger) *RemoteRoleRepository {
	return &RemoteRoleRepository{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second}, // 设置 5 秒超时
		logger:   log.With(zap.String("component", "identity-client")),
	}
}

// RolesResponse 身份服务的响应体
type RolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// RolesOf 调用 GET {endpoint}/users/{id}/roles
func (r *RemoteRoleRepository) RolesOf(ctx context.Context, userID string) ([]string, error) {
	log := logger.WithTrace(ctx, r.logger)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint+"/users/"+url.PathEscape(userID)+"/roles", nil)
	if err != nil {
		return nil, err
	}
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		req.Header.Set(util.TraceHeader, traceID)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		log.Error("身份服务调用失败", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	defer resp.Body.Close()

	// 未知用户视为没有任何角色
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		log.Error("身份服务返回错误状态", zap.String("status", resp.Status), zap.String("user_id", userID))
		return nil, fmt.Errorf("identity service error: %s", resp.Status)
	}

	var body RolesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	return body.Roles, nil
}
