package httpserver

import (
	"errors"
	"net/http"

	gin "github.com/gin-gonic/gin"

	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
)

// ownedActual loads an actual and checks the caller owns the parent
// definition. Writes the error response itself on failure.
func (s *Server) ownedActual(c *gin.Context, userID, id string) (*perfgorm.KpiActual, bool) {
	a, err := s.perf.GetActual(c, id)
	if err != nil {
		s.respondError(c, http.StatusNotFound, "not_found", "actual not found")
		return nil, false
	}
	k, err := s.perf.GetKpi(c, a.KpiDefinitionID)
	if err != nil {
		s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
		return nil, false
	}
	if k.OwnerID != userID {
		s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
		return nil, false
	}
	return a, true
}

func (s *Server) registerActualRoutes(r *gin.Engine) {
	r.POST("/api/actuals", func(c *gin.Context) {
		userID, _, ok := s.require(c, "actual:own")
		if !ok {
			return
		}
		var in struct {
			KpiID       string  `json:"kpi_id"`
			Period      string  `json:"period"`
			ActualValue string  `json:"actual_value"`
			Percentage  float64 `json:"percentage"`
			Score       float64 `json:"score"`
			Evidence    string  `json:"evidence"`
		}
		if err := c.BindJSON(&in); err != nil || in.KpiID == "" || in.Period == "" {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		k, err := s.perf.GetKpi(c, in.KpiID)
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
			return
		}
		if k.OwnerID != userID {
			s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		a := &perfgorm.KpiActual{
			KpiDefinitionID: in.KpiID,
			Period:          in.Period,
			ActualValue:     in.ActualValue,
			Percentage:      in.Percentage,
			Score:           in.Score,
			Evidence:        in.Evidence,
		}
		if err := s.perf.CreateActual(c, a); err != nil {
			if errors.Is(err, perfgorm.ErrOpenActualExists) {
				s.respondError(c, http.StatusConflict, "conflict", err.Error())
				return
			}
			s.respondError(c, http.StatusInternalServerError, "internal_error", "create failed")
			return
		}
		s.JSON(c, http.StatusCreated, gin.H{"id": a.ID})
	})

	r.GET("/api/actuals/:id", func(c *gin.Context) {
		userID, roles, ok := s.require(c)
		if !ok {
			return
		}
		a, err := s.perf.GetActual(c, c.Param("id"))
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "actual not found")
			return
		}
		k, err := s.perf.GetKpi(c, a.KpiDefinitionID)
		if err != nil {
			s.respondError(c, http.StatusNotFound, "not_found", "kpi not found")
			return
		}
		if k.OwnerID != userID && !s.rbac.CanAny(roles, "approval:decide", "proxy:approve") {
			s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		hist, _ := s.apprs.ListForEntity(c, approvalsgorm.EntityActual, a.ID)
		s.JSON(c, http.StatusOK, gin.H{"actual": a, "approvals": hist})
	})

	r.PUT("/api/actuals/:id", func(c *gin.Context) {
		userID, _, ok := s.require(c, "actual:own")
		if !ok {
			return
		}
		a, owned := s.ownedActual(c, userID, c.Param("id"))
		if !owned {
			return
		}
		if !a.Status.Editable() {
			s.respondError(c, http.StatusBadRequest, "invalid_state", "actual is not editable in status "+string(a.Status))
			return
		}
		var in struct {
			ActualValue *string  `json:"actual_value"`
			Percentage  *float64 `json:"percentage"`
			Score       *float64 `json:"score"`
			Evidence    *string  `json:"evidence"`
		}
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		if in.ActualValue != nil {
			a.ActualValue = *in.ActualValue
		}
		if in.Percentage != nil {
			a.Percentage = *in.Percentage
		}
		if in.Score != nil {
			a.Score = *in.Score
		}
		if in.Evidence != nil {
			a.Evidence = *in.Evidence
		}
		if err := s.perf.UpdateActualDraft(c, a); err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "update failed")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"actual": a})
	})

	r.POST("/api/actuals/:id/submit", func(c *gin.Context) {
		userID, _, ok := s.require(c, "actual:own")
		if !ok {
			return
		}
		res, err := s.eng.Submit(c, approvalsgorm.EntityActual, c.Param("id"), userID)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/actuals/:id/approve", func(c *gin.Context) {
		userID, _, ok := s.require(c, "approval:decide")
		if !ok {
			return
		}
		var in struct {
			Comment string `json:"comment"`
		}
		_ = c.ShouldBindJSON(&in)
		res, err := s.eng.Approve(c, approvalsgorm.EntityActual, c.Param("id"), userID, in.Comment)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})

	r.POST("/api/actuals/:id/reject", func(c *gin.Context) {
		userID, _, ok := s.require(c, "approval:decide")
		if !ok {
			return
		}
		var in struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&in)
		res, err := s.eng.Reject(c, approvalsgorm.EntityActual, c.Param("id"), userID, in.Reason)
		if err != nil {
			s.respondEngineError(c, err)
			return
		}
		s.JSON(c, http.StatusOK, res)
	})
}
