package httpserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"

	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
)

func (s *Server) registerApprovalRoutes(r *gin.Engine) {
	// the caller's work queue, enriched with entity summaries
	r.GET("/api/approvals/pending", func(c *gin.Context) {
		userID, _, ok := s.require(c, "approval:decide")
		if !ok {
			return
		}
		items, err := s.apprs.ListPendingByApprover(c, userID)
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to list approvals")
			return
		}
		type entry struct {
			*approvalsgorm.Approval
			Title   string `json:"title"`
			OwnerID string `json:"owner_id"`
		}
		out := make([]entry, 0, len(items))
		for _, a := range items {
			e := entry{Approval: a}
			switch a.EntityType {
			case approvalsgorm.EntityKPI:
				if k, err := s.perf.GetKpi(c, a.EntityID); err == nil {
					e.Title, e.OwnerID = k.Title, k.OwnerID
				}
			case approvalsgorm.EntityActual:
				if act, err := s.perf.GetActual(c, a.EntityID); err == nil {
					if k, err := s.perf.GetKpi(c, act.KpiDefinitionID); err == nil {
						e.Title, e.OwnerID = k.Title+" ("+act.Period+")", k.OwnerID
					}
				}
			}
			out = append(out, e)
		}
		s.JSON(c, http.StatusOK, gin.H{"approvals": out})
	})

	r.POST("/api/change-requests/:id/resolve", func(c *gin.Context) {
		userID, _, ok := s.require(c, "kpi:own")
		if !ok {
			return
		}
		var in struct {
			Comment string `json:"comment"`
		}
		_ = c.ShouldBindJSON(&in)
		if err := s.eng.ResolveChangeRequest(c, c.Param("id"), userID, in.Comment); err != nil {
			s.respondEngineError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
