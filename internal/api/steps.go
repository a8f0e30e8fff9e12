package api

import (
	"factory-routing/internal/types"

	"github.com/gin-gonic/gin"
)

func (s *Server) startStep(c *gin.Context) {
	key, err := stepKey(c)
	if err != nil {
		s.Fail(c, err)
		return
	}
	res, err := s.engine.StartStep(c.Request.Context(), key, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, res)
}

func (s *Server) completeStep(c *gin.Context) {
	key, err := stepKey(c)
	if err != nil {
		s.Fail(c, err)
		return
	}
	res, err := s.engine.CompleteStep(c.Request.Context(), key, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, res)
}

func (s *Server) listAssignments(c *gin.Context) {
	key, err := stepKey(c)
	if err != nil {
		s.Fail(c, err)
		return
	}
	as, err := s.engine.ListAssignments(c.Request.Context(), key)
	if err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, as)
}

type assignBody struct {
	TechnicianID string               `json:"technician_id"`
	Type         types.AssignmentType `json:"type"`
}

func (s *Server) assignTechnician(c *gin.Context) {
	key, err := stepKey(c)
	if err != nil {
		s.Fail(c, err)
		return
	}
	var body assignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.BadRequest(c, err)
		return
	}
	a, err := s.engine.AssignTechnician(c.Request.Context(), key, body.TechnicianID, body.Type, callerID(c))
	if err != nil {
		s.Fail(c, err)
		return
	}
	Created(c, a)
}

func (s *Server) unassignTechnician(c *gin.Context) {
	if err := s.engine.UnassignTechnician(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		s.Fail(c, err)
		return
	}
	Success(c, gin.H{"id": c.Param("id"), "status": types.AssignmentCancelled})
}
