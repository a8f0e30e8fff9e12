package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"factory-routing/internal/api"
	"factory-routing/internal/auth"
	"factory-routing/internal/config"
	"factory-routing/internal/engine"
	"factory-routing/internal/event"
	"factory-routing/internal/handlers"
	"factory-routing/internal/logger"
	"factory-routing/internal/persistence"
	"factory-routing/internal/station"
	"factory-routing/internal/web"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// main 是应用程序的主入口
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认在 . 和 ./configs 下查找 config.yaml")
	flag.Parse()

	_ = godotenv.Load()
	boot, _ := zap.NewProduction()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		boot.Fatal("加载配置失败", zap.Error(err))
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		boot.Fatal("初始化日志失败", zap.Error(err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if cfg.HTTP.JWTSecret == "" {
		log.Fatal("http.jwt_secret 未配置，无法校验访问令牌")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 初始化核心组件
	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	catalog := station.Default()
	if cfg.StationsFile != "" {
		if catalog, err = station.LoadCatalog(cfg.StationsFile); err != nil {
			log.Fatal("加载工站目录失败", zap.Error(err))
		}
	}

	roles := buildRoleRepository(cfg, log)
	resolver := auth.NewResolver(cfg.Roles, roles, store, catalog)

	planner, err := engine.NewPlanner(cfg.Routes, catalog)
	if err != nil {
		log.Fatal("工艺路线模板无效", zap.Error(err))
	}

	hub := web.NewHub(log)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()

	// 2. 注册事件处理器
	sinks := handlers.Sinks{Tracker: stateTracker}
	if cfg.JournalPath != "" {
		journal, err := persistence.OpenJournal(cfg.JournalPath)
		if err != nil {
			log.Fatal("无法打开事件日志", zap.Error(err), zap.String("path", cfg.JournalPath))
		}
		defer journal.Close()
		reportDanglingSessions(journal, log)
		sinks.Journal = journal
	}
	if cfg.Redis.Addr != "" {
		publisher := handlers.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, log)
		if err := publisher.Ping(ctx); err != nil {
			log.Warn("Redis 不可用，事件仍会发布但可能丢失", zap.Error(err))
		}
		defer publisher.Close()
		sinks.Redis = publisher
	}
	handlers.RegisterEventHandlers(eventBus, sinks, log)

	// 3. 初始化引擎和 HTTP 服务
	eng := engine.New(store, resolver, catalog, eventBus, log, engine.Options{
		PriorityBoost: cfg.Rework.PriorityBoost,
		MaxChainDepth: cfg.Rework.MaxChainDepth,
		Planner:       planner,
	})

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.New(eng, api.Options{
		JWTSecret: cfg.HTTP.JWTSecret,
		Hub:       hub,
		Tracker:   stateTracker,
		Journal:   sinks.Journal,
	}, log)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Handler()}

	go func() {
		log.Info("API 和看板服务启动", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("API 服务器启动失败", zap.Error(err))
		}
	}()

	log.Info("=== 工艺路线与返工引擎启动 ===",
		zap.String("database", cfg.Database.Driver),
		zap.Strings("product_types", planner.ProductTypes()))

	// 4. 优雅停机
	waitForShutdown(log, cancel, httpServer, eventBus)
}

// openStore 根据配置选择存储实现
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (persistence.Store, func()) {
	if cfg.Database.Driver == "memory" {
		log.Warn("使用内存存储，进程退出后数据丢失")
		return persistence.NewMemoryStore(), func() {}
	}

	db, err := persistence.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatal("连接数据库失败", zap.Error(err))
	}
	store := persistence.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("数据库迁移失败", zap.Error(err))
	}
	return store, func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// buildRoleRepository 远程身份服务优先，其次角色文件，最后是配置内的静态表
func buildRoleRepository(cfg *config.Config, log *zap.Logger) auth.RoleRepository {
	if cfg.Identity.Endpoint != "" {
		remote := auth.NewRemoteRoleRepository(cfg.Identity.Endpoint, log)
		return auth.NewCachedRoleRepository(remote, cfg.Identity.CacheTTL)
	}
	users := cfg.Identity.Users
	if cfg.Identity.RolesFile != "" {
		var err error
		if users, err = auth.LoadRolesFile(cfg.Identity.RolesFile); err != nil {
			log.Fatal("加载角色文件失败", zap.Error(err))
		}
	}
	if len(users) == 0 {
		log.Warn("未配置任何用户角色，所有受限操作都会被拒绝")
	}
	return auth.NewStaticRoleRepository(users)
}

// reportDanglingSessions 提示上次退出时仍在计时的作业会话
func reportDanglingSessions(journal *persistence.Journal, log *zap.Logger) {
	dangling, err := journal.DanglingSessions()
	if err != nil {
		log.Warn("回放事件日志失败", zap.Error(err))
		return
	}
	for _, e := range dangling {
		log.Warn("发现未结束的作业会话",
			zap.String("order_no", e.OrderNo),
			zap.String("station_id", string(e.StationID)),
			zap.Int("step_order", e.StepOrder),
			zap.String("technician_id", e.TechnicianID),
			zap.Time("opened_at", e.At))
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(log *zap.Logger, cancel context.CancelFunc, httpServer *http.Server, bus *event.Bus) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP 服务关闭超时", zap.Error(err))
	}
	// 等待事件处理器把剩余事件写完
	bus.Drain()
	cancel()
	log.Info("服务已安全退出。")
}
