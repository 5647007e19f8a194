package httpserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"

	"github.com/kpiflow/kpiflow/internal/workflow"
)

// Admin proxy endpoints. RBAC grants the permissions to ADMIN via the
// wildcard; the engine re-checks the role against the user record, so a
// stale token alone cannot act as admin.
func (s *Server) registerProxyRoutes(r *gin.Engine) {
	type target struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Level      int    `json:"level"`
		Reason     string `json:"reason"`
		Comment    string `json:"comment"`
	}
	bindTarget := func(c *gin.Context) (target, string, bool) {
		var in target
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return in, "", false
		}
		kind, err := workflow.NormalizeKind(in.EntityType)
		if err != nil {
			s.respondEngineError(c, err)
			return in, "", false
		}
		return in, kind, true
	}

	r.POST("/api/admin/proxy/approve", func(c *gin.Context) {
		userID, _, ok := s.require(c, "proxy:approve")
		if !ok {
			return
		}
		in, kind, ok := bindTarget(c)
		if !ok {
			return
		}
		res, err := s.eng.ProxyApprove(c, kind, in.EntityID, in.Level, userID, in.Reason, in.Comment)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/admin/proxy/reject", func(c *gin.Context) {
		userID, _, ok := s.require(c, "proxy:reject")
		if !ok {
			return
		}
		in, kind, ok := bindTarget(c)
		if !ok {
			return
		}
		res, err := s.eng.ProxyReject(c, kind, in.EntityID, in.Level, userID, in.Reason, in.Comment)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/admin/proxy/reassign", func(c *gin.Context) {
		userID, _, ok := s.require(c, "proxy:reassign")
		if !ok {
			return
		}
		var in struct {
			EntityType  string `json:"entity_type"`
			EntityID    string `json:"entity_id"`
			Level       int    `json:"level"`
			NewApprover string `json:"new_approver"` // user id or email
			Reason      string `json:"reason"`
		}
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		kind, err := workflow.NormalizeKind(in.EntityType)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		res, err := s.eng.ProxyReassign(c, kind, in.EntityID, in.Level, userID, in.NewApprover, in.Reason)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/admin/proxy/return-to-staff", func(c *gin.Context) {
		userID, _, ok := s.require(c, "proxy:return")
		if !ok {
			return
		}
		in, kind, ok := bindTarget(c)
		if !ok {
			return
		}
		res, err := s.eng.ProxyReturnToStaff(c, kind, in.EntityID, userID, in.Reason)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/admin/proxy/change-request", func(c *gin.Context) {
		userID, _, ok := s.require(c, "proxy:change_request")
		if !ok {
			return
		}
		var in struct {
			KpiID       string `json:"kpi_id"`
			StaffUserID string `json:"staff_user_id"`
			ChangeType  string `json:"change_type"`
			Reason      string `json:"reason"`
		}
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		res, err := s.eng.ProxyIssueChangeRequest(c, in.KpiID, in.StaffUserID, userID, in.ChangeType, in.Reason)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	// override history of one entity
	r.GET("/api/admin/proxy/actions", func(c *gin.Context) {
		_, _, ok := s.require(c, "proxy:approve")
		if !ok {
			return
		}
		kind, err := workflow.NormalizeKind(c.Query("entity_type"))
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		rows, err := s.proxies.ListForEntity(c, kind, c.Query("entity_id"))
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to list proxy actions")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"actions": rows})
	})
}
