package api

import (
	"errors"
	"net/http"

	"factory-routing/internal/logger"
	"factory-routing/internal/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Kind    types.Kind  `json:"kind,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 业务错误码，前三位与 HTTP 状态码一致
const (
	codeValidation        = 40000
	codeUnauthorized      = 40100
	codePermissionDenied  = 40300
	codeNotAssigned       = 40301
	codeNotFound          = 40400
	codeInvalidState      = 40900
	codeAlreadyInProgress = 40901
	codeInternal          = 50000
)

var kindCodes = map[types.Kind]int{
	types.KindValidation:        codeValidation,
	types.KindNotAssigned:       codeNotAssigned,
	types.KindInvalidState:      codeInvalidState,
	types.KindAlreadyInProgress: codeAlreadyInProgress,
	types.KindNotFound:          codeNotFound,
	types.KindPermissionDenied:  codePermissionDenied,
	types.KindInternal:          codeInternal,
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "success", Data: data})
}

// Fail 按错误分类输出响应，内部错误只返回摘要，细节写日志
func (s *Server) Fail(c *gin.Context, err error) {
	kind := types.KindOf(err)
	code := kindCodes[kind]
	message := err.Error()

	var e *types.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if kind == types.KindInternal {
		logger.WithTrace(c.Request.Context(), s.logger).Error("请求处理失败",
			zap.String("path", c.FullPath()), zap.Error(err))
		if e == nil {
			message = "internal error"
		}
	}

	c.AbortWithStatusJSON(code/100, Response{Code: code, Kind: kind, Message: message})
}

// BadRequest 请求体或参数无法解析
func (s *Server) BadRequest(c *gin.Context, err error) {
	s.Fail(c, types.Validation("invalid request: %v", err))
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: codeUnauthorized, Message: message})
}
