package httpserver

import (
	"net/http"
	"strconv"

	gin "github.com/gin-gonic/gin"
)

func (s *Server) registerNotificationRoutes(r *gin.Engine) {
	r.GET("/api/notifications", func(c *gin.Context) {
		userID, _, ok := s.require(c, "notify:read")
		if !ok {
			return
		}
		unreadOnly := c.Query("status") == "unread"
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
		if page < 1 {
			page = 1
		}
		if size < 1 || size > 100 {
			size = 20
		}
		items, total, err := s.notifs.List(c, userID, unreadOnly, size, (page-1)*size)
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to list notifications")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"notifications": items, "total": total, "page": page, "size": size})
	})

	r.GET("/api/notifications/unread_count", func(c *gin.Context) {
		userID, _, ok := s.require(c, "notify:read")
		if !ok {
			return
		}
		n, err := s.notifs.UnreadCount(c, userID)
		if err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "failed to count notifications")
			return
		}
		s.JSON(c, http.StatusOK, gin.H{"unread": n})
	})

	r.POST("/api/notifications/read", func(c *gin.Context) {
		userID, _, ok := s.require(c, "notify:read")
		if !ok {
			return
		}
		var in struct {
			IDs []string `json:"ids"`
		}
		if err := c.BindJSON(&in); err != nil || len(in.IDs) == 0 {
			s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		if err := s.notifs.MarkRead(c, userID, in.IDs); err != nil {
			s.respondError(c, http.StatusInternalServerError, "internal_error", "mark read failed")
			return
		}
		c.Status(http.StatusNoContent)
	})
}
