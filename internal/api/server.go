package api

import (
	"net/http"
	"strconv"
	"time"

	"factory-routing/internal/engine"
	"factory-routing/internal/persistence"
	"factory-routing/internal/types"
	"factory-routing/internal/web"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options HTTP 层的可选依赖，为 nil 的项不注册对应路由
type Options struct {
	JWTSecret string
	Hub       *web.Hub
	Tracker   *web.StateTracker
	Journal   *persistence.Journal
}

// Server 把引擎操作暴露为 REST 接口
type Server struct {
	engine  *engine.Engine
	opts    Options
	logger  *zap.Logger
	handler *gin.Engine
}

func New(eng *engine.Engine, opts Options, log *zap.Logger) *Server {
	s := &Server{
		engine: eng,
		opts:   opts,
		logger: log.With(zap.String("component", "api")),
	}
	s.handler = s.routes()
	return s
}

// Handler 返回可挂载到 http.Server 的处理器
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(TraceID())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.opts.Hub != nil && s.opts.Tracker != nil {
		router.GET("/ws", func(c *gin.Context) {
			s.opts.Hub.ServeWs(c.Writer, c.Request, s.opts.Tracker.GetStateSnapshot())
		})
	}

	v1 := router.Group("/api/v1", gzip.Gzip(gzip.DefaultCompression), JWTAuth(s.opts.JWTSecret))
	{
		v1.GET("/stations", s.listStations)
		v1.GET("/stations/:station/queue", s.stationQueue)
		if s.opts.Tracker != nil {
			v1.GET("/board", func(c *gin.Context) { Success(c, s.opts.Tracker.GetStateSnapshot()) })
		}

		orders := v1.Group("/orders")
		orders.POST("", s.createOrder)
		orders.GET("/:orderNo", s.getOrder)
		orders.DELETE("/:orderNo", s.deleteOrder)
		orders.GET("/:orderNo/flow", s.listFlow)
		orders.GET("/:orderNo/sessions", s.listSessions)
		orders.GET("/:orderNo/batches", s.listBatches)
		orders.GET("/:orderNo/history", s.history)
		orders.POST("/:orderNo/reset", s.resetOrder)
		orders.POST("/:orderNo/split", s.splitOrder)
		orders.POST("/:orderNo/merge-requests", s.requestBatchMerge)

		steps := orders.Group("/:orderNo/steps/:station/:step")
		steps.POST("/start", s.startStep)
		steps.POST("/complete", s.completeStep)
		steps.GET("/assignments", s.listAssignments)
		steps.POST("/assignments", s.assignTechnician)

		v1.DELETE("/assignments/:id", s.unassignTechnician)

		rw := v1.Group("/remediations")
		rw.POST("", s.createRemediation)
		rw.GET("/:id", s.getRemediation)
		rw.PUT("/:id/roadmap", s.updateRoadmap)
		rw.POST("/:id/approve", s.approveRemediation)
		rw.POST("/:id/reject", s.rejectRemediation)
		rw.POST("/:id/cancel", s.cancelRemediation)
		rw.POST("/:id/merge", s.mergeRemediation)

		mr := v1.Group("/merge-requests")
		mr.GET("/:id", s.getMergeRequest)
		mr.POST("/:id/approve", s.approveBatchMerge)
		mr.POST("/:id/reject", s.rejectBatchMerge)
	}
	return router
}

// stepKey 从路径参数解析工序键
func stepKey(c *gin.Context) (types.StepKey, error) {
	n, err := strconv.Atoi(c.Param("step"))
	if err != nil || n < 1 {
		return types.StepKey{}, types.Validation("step order must be a positive integer")
	}
	return types.StepKey{
		OrderNo:   c.Param("orderNo"),
		StationID: types.StationID(c.Param("station")),
		StepOrder: n,
	}, nil
}

func (s *Server) listStations(c *gin.Context) {
	Success(c, s.engine.Stations())
}

func (s *Server) stationQueue(c *gin.Context) {
	queue, err := s.engine.StationQueue(c.Request.Context(), types.StationID(c.Param("station")))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, queue)
}
