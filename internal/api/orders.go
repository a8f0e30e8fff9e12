package api

import (
	"factory-routing/internal/engine"
	"factory-routing/internal/types"

	"github.com/gin-gonic/gin"
)

func (s *Server) createOrder(c *gin.Context) {
	var spec engine.OrderSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		s.BadRequest(c, err)
		return
	}
	o, steps, err := s.engine.CreateOrder(c.Request.Context(), spec, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Created(c, engine.OrderView{Order: o, Steps: steps, Batches: []types.Batch{}})
}

func (s *Server) getOrder(c *gin.Context) {
	view, err := s.engine.GetOrder(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, view)
}

func (s *Server) deleteOrder(c *gin.Context) {
	if err := s.engine.DeleteOrder(c.Request.Context(), c.Param("orderNo"), callerID(c)); err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, gin.H{"order_no": c.Param("orderNo")})
}

func (s *Server) listFlow(c *gin.Context) {
	steps, err := s.engine.ListFlow(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, steps)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.engine.ListSessions(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, sessions)
}

func (s *Server) listBatches(c *gin.Context) {
	batches, err := s.engine.ListBatches(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, batches)
}

// history 从事件日志回放订单的全部事件
func (s *Server) history(c *gin.Context) {
	if s.opts.Journal == nil {
		s.Fail(c, types.NotFound("event journal is not configured"))
		return
	}
	orderNo := c.Param("orderNo")
	if _, err := s.engine.ListFlow(c.Request.Context(), orderNo); err != nil {
		s.Fail(c, err)
		return
	}
	events, err := s.opts.Journal.History(orderNo)
	if err != nil {
		s.Fail(c, types.Internal(err, "read event journal"))
		return
	}
	Success(c, events)
}

func (s *Server) resetOrder(c *gin.Context) {
	steps, err := s.engine.ResetOrder(c.Request.Context(), c.Param("orderNo"), callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, steps)
}

func (s *Server) splitOrder(c *gin.Context) {
	var req engine.SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.BadRequest(c, err)
		return
	}
	req.OrderNo = c.Param("orderNo")
	res, err := s.engine.SplitOnInspection(c.Request.Context(), req, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Created(c, res)
}

type mergeRequestBody struct {
	SourceBatchIDs []string        `json:"source_batch_ids"`
	TargetStation  types.StationID `json:"target_station"`
}

func (s *Server) requestBatchMerge(c *gin.Context) {
	var body mergeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.BadRequest(c, err)
		return
	}
	m, err := s.engine.RequestBatchMerge(c.Request.Context(), c.Param("orderNo"), body.SourceBatchIDs, body.TargetStation, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Created(c, m)
}

func (s *Server) getMergeRequest(c *gin.Context) {
	m, err := s.engine.GetMergeRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, m)
}

func (s *Server) approveBatchMerge(c *gin.Context) {
	res, err := s.engine.ApproveBatchMerge(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, res)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectBatchMerge(c *gin.Context) {
	var body reasonBody
	if !s.bindOptional(c, &body) {
		return
	}
	m, err := s.engine.RejectBatchMerge(c.Request.Context(), c.Param("id"), callerID(c), body.Reason)
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, m)
}

// bindOptional 请求体可以为空，非空时必须是合法 JSON
func (s *Server) bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		s.BadRequest(c, err)
		return false
	}
	return true
}
