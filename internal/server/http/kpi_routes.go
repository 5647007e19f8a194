package httpserver

import (
	"errors"
	"net/http"

	gin "github.com/gin-gonic/gin"
	"gorm.io/gorm"

	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
)

func (s *Server) registerKpiRoutes(r *gin.Engine) {
	// create a whole KPI set for the caller's cycle
	r.POST("/api/kpis", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		var in struct {
			CycleID string `json:"cycle_id"`
			Kpis    []struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				Weight      int    `json:"weight"`
				Target      string `json:"target"`
				Unit        string `json:"unit"`
			} `json:"kpis"`
		}
		if err := c.BindJSON(&in); err != nil || in.CycleID == "" {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		defs := make([]*perfgorm.KpiDefinition, 0, len(in.Kpis))
		for _, k := range in.Kpis {
			defs = append(defs, &perfgorm.KpiDefinition{
				Title: k.Title, Description: k.Description, Weight: k.Weight, Target: k.Target, Unit: k.Unit,
			})
		}
		if err := s.perf.CreateSet(c, userID, in.CycleID, defs); err != nil {
			s.respondError(c, http.StatusBadRequest, "validation", err.Error())
			return
		}
		ids := make([]string, 0, len(defs))
		for _, d := range defs {
			ids = append(ids, d.ID)
		}
		s.JSON(c, http.StatusCreated, gin.H{"ids": ids})
	})

	r.GET("/api/kpis", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		items, err := s.perf.ListKpisByOwner(c, userID, c.Query("cycle_id"))
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to list kpis")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"kpis": items})
	})

	r.GET("/api/kpis/:id", func(c *gin.Context) {
		userID, roles, ok := s.require(c)
		if !ok {
			return
		}
		k, err := s.perf.GetKpi(c, c.Param("id"))
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
			return
		}
		// owner, any approver role, or admin may read
		if k.OwnerID != userID && !s.rbac.CanAny(roles, "approval:decide", "proxy:approve") {
			s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		hist, _ := s.apprs.ListForEntity(c, approvalsgorm.EntityKPI, k.ID)
		s.JSON(c, http.StatusOK, gin.H{"kpi": k, "approvals": hist})
	})

	r.PUT("/api/kpis/:id", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		k, err := s.perf.GetKpi(c, c.Param("id"))
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
			return
		}
		if k.OwnerID != userID {
			s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		if !k.Status.Editable() {
			s.respondError(c, http.StatusBadRequest, "invalid_state", "kpi is not editable in status "+string(k.Status))
			return
		}
		var in struct {
			Title       *string `json:"title"`
			Description *string `json:"description"`
			Weight      *int    `json:"weight"`
			Target      *string `json:"target"`
			Unit        *string `json:"unit"`
		}
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		if in.Title != nil {
			k.Title = *in.Title
		}
		if in.Description != nil {
			k.Description = *in.Description
		}
		if in.Weight != nil {
			k.Weight = *in.Weight
		}
		if in.Target != nil {
			k.Target = *in.Target
		}
		if in.Unit != nil {
			k.Unit = *in.Unit
		}
		if err := s.perf.UpdateKpiDraft(c, k); err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "update failed")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"kpi": k})
	})

	r.DELETE("/api/kpis/:id", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		k, err := s.perf.GetKpi(c, c.Param("id"))
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
			return
		}
		if k.OwnerID != userID {
			s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		if err := s.perf.SoftDeleteDraft(c, k.ID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.respondError(c, http.StatusBadRequest, "invalid_state", "only DRAFT kpis can be deleted")
				return
			}
			s.respondError(c, http.StatusInternalServerError, "internal_error", "delete failed")
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/api/kpis/:id/submit", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		res, err := s.eng.Submit(c, approvalsgorm.EntityKPI, c.Param("id"), userID)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/kpis/:id/approve", func(c *gin.Context) {
		userID, _, ok := s.require(c, "approval:decide")
		if !ok {
			return
		}
		var in struct {
			Comment string `json:"comment"`
		}
		_ = c.ShouldBindJSON(&in)
		res, err := s.eng.Approve(c, approvalsgorm.EntityKPI, c.Param("id"), userID, in.Comment)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/kpis/:id/reject", func(c *gin.Context) {
		userID, _, ok := s.require(c, "approval:decide")
		if !ok {
			return
		}
		var in struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&in)
		res, err := s.eng.Reject(c, approvalsgorm.EntityKPI, c.Param("id"), userID, in.Reason)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/kpis/:id/archive", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:archive")
		if !ok {
			return
		}
		if err := s.eng.Archive(c, c.Param("id"), userID); err != nil {
			s.respondEngineError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/api/kpis/:id/unarchive", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:archive")
		if !ok {
			return
		}
		if err := s.eng.Unarchive(c, c.Param("id"), userID); err != nil {
			s.respondEngineError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
