package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strings"

	"factory-routing/internal/auth"
	"factory-routing/internal/logger"
	"factory-routing/internal/util"

	"go.uber.org/zap"
)

// main 是开发用身份服务的入口
// 从角色文件读取用户角色，供引擎的 RemoteRoleRepository 调用
func main() {
	addr := flag.String("addr", ":9090", "监听地址")
	rolesFile := flag.String("roles", "configs/roles.yaml", "角色文件路径")
	flag.Parse()

	base, err := logger.New("info", "json")
	if err != nil {
		panic(err)
	}
	log := base.With(zap.String("service", "identity-server"))

	users, err := auth.LoadRolesFile(*rolesFile)
	if err != nil {
		log.Fatal("加载角色文件失败", zap.Error(err))
	}
	log.Info("=== 身份服务启动 ===", zap.String("addr", *addr), zap.Int("users", len(users)))

	// GET /users/{id}/roles
	http.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, ok := parseRolesPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := log.With(zap.String("user_id", userID))
		if traceID := r.Header.Get(util.TraceHeader); traceID != "" {
			reqLogger = reqLogger.With(zap.String("trace_id", traceID))
		}

		roles, found := users[userID]
		if !found {
			reqLogger.Warn("未知用户")
			http.NotFound(w, r)
			return
		}
		reqLogger.Info("查询角色", zap.Strings("roles", roles))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(auth.RolesResponse{UserID: userID, Roles: roles})
	})

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Error("服务启动失败", zap.Error(err))
	}
}

// parseRolesPath 解析 /users/{id}/roles
func parseRolesPath(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/users/")
	userID, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "roles" || userID == "" {
		return "", false
	}
	return userID, true
}
