package httpserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"
)

func (s *Server) registerAuthRoutes(r *gin.Engine) {
	r.POST("/api/auth/login", func(c *gin.Context) {
		var in struct{ Username, Password string }
		if err := c.BindJSON(&in); err != nil {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		ip := c.ClientIP()
		if !s.allowLogin(ip, in.Username) {
			s.auditLog("login_rate_limited", in.Username, "auth", map[string]string{"ip": ip})
			s.respondError(c, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
			return
		}
		u, err := s.users.Verify(c, in.Username, in.Password)
		if err != nil {
			// do not disclose whether the user exists
			s.auditLog("login_fail", in.Username, "auth", map[string]string{"ip": ip})
			s.respondError(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		tok, err := s.tokens.Sign(u.ID, []string{u.Role}, s.tokenTTL)
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "token signing failed")
			return
		}
		s.auditLog("login_ok", u.ID, "auth", map[string]string{"ip": ip})
		s.JSON(c, http.StatusOK, gin.H{
			"token": tok,
			"user": gin.H{
				"id":           u.ID,
				"username":     u.Username,
				"display_name": u.DisplayName,
				"email":        u.Email,
				"role":         u.Role,
			},
		})
	})

	r.GET("/api/auth/me", func(c *gin.Context) {
		userID, roles, ok := s.require(c)
		if !ok {
			return
		}
		u, err := s.users.Get(c, userID)
		if err != nil {
			s.respondError(c, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{
			"id":           u.ID,
			"username":     u.Username,
			"display_name": u.DisplayName,
			"email":        u.Email,
			"role":         u.Role,
			"roles":        roles,
		})
	})
}
