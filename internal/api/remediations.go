package api

import (
	"factory-routing/internal/engine"

	"github.com/gin-gonic/gin"
)

func (s *Server) createRemediation(c *gin.Context) {
	var req engine.RemediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.BadRequest(c, err)
		return
	}
	res, err := s.engine.CreateRemediation(c.Request.Context(), req, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Created(c, res)
}

func (s *Server) getRemediation(c *gin.Context) {
	r, err := s.engine.GetRemediation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, r)
}

type roadmapBody struct {
	Roadmap []engine.RoadmapStep `json:"roadmap"`
}

func (s *Server) updateRoadmap(c *gin.Context) {
	var body roadmapBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.BadRequest(c, err)
		return
	}
	r, err := s.engine.UpdateRoadmap(c.Request.Context(), c.Param("id"), body.Roadmap, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, r)
}

func (s *Server) approveRemediation(c *gin.Context) {
	res, err := s.engine.ApproveRemediation(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, res)
}

func (s *Server) rejectRemediation(c *gin.Context) {
	var body reasonBody
	if !s.bindOptional(c, &body) {
		return
	}
	r, err := s.engine.RejectRemediation(c.Request.Context(), c.Param("id"), callerID(c), body.Reason)
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, r)
}

func (s *Server) cancelRemediation(c *gin.Context) {
	r, err := s.engine.CancelRemediation(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, r)
}

func (s *Server) mergeRemediation(c *gin.Context) {
	res, err := s.engine.MergeRemediation(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, res)
}
