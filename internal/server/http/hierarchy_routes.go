package httpserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"

	hierarchygorm "github.com/kpiflow/kpiflow/internal/repo/gorm/hierarchy"
)

func (s *Server) registerHierarchyRoutes(r *gin.Engine) {
	r.GET("/api/admin/hierarchies", func(c *gin.Context) {
		_, _, ok := s.require(c, "hierarchy:manage")
		if !ok {
			return
		}
		items, err := s.hier.List(c)
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to list hierarchies")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"hierarchies": items})
	})

	r.PUT("/api/admin/hierarchies", func(c *gin.Context) {
		adminID, _, ok := s.require(c, "hierarchy:manage")
		if !ok {
			return
		}
		var in struct {
			UserID string `json:"user_id"`
			Level1 string `json:"level1_approver_id"`
			Level2 string `json:"level2_approver_id"`
			Level3 string `json:"level3_approver_id"`
		}
		if err := c.BindJSON(&in); err != nil || in.UserID == "" {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		if in.Level1 == "" {
			s.respondError(c, http.StatusBadRequest, "validation", "a level-1 approver is required")
			return
		}
		// approver ids must reference existing users
		for _, id := range []string{in.Level1, in.Level2, in.Level3} {
			if id == "" {
				continue
			}
			if _, err := s.users.Get(c, id); err != nil {
				s.respondError(c, http.StatusBadRequest, "validation", "unknown approver "+id)
				return
			}
		}
		h := &hierarchygorm.ApprovalHierarchy{
			UserID:           in.UserID,
			Level1ApproverID: in.Level1,
			Level2ApproverID: in.Level2,
			Level3ApproverID: in.Level3,
			Active:           true,
		}
		if err := s.hier.Upsert(c, h); err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "save failed")
			return
		}
		s.auditLog("hierarchy.upsert", adminID, in.UserID, map[string]string{
			"l1": in.Level1, "l2": in.Level2, "l3": in.Level3,
		})
		s.JSON(c, http.StatusOK, gin.H{"hierarchy": h})
	})
}
