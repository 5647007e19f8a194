package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"gorm.io/gorm"

	auditchain "github.com/kpiflow/kpiflow/internal/audit/chain"
	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	hierarchygorm "github.com/kpiflow/kpiflow/internal/repo/gorm/hierarchy"
	notifgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/notifications"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
	proxyloggorm "github.com/kpiflow/kpiflow/internal/repo/gorm/proxylog"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
	"github.com/kpiflow/kpiflow/internal/security/rbac"
	"github.com/kpiflow/kpiflow/internal/security/token"
	"github.com/kpiflow/kpiflow/internal/telemetry"
	"github.com/kpiflow/kpiflow/internal/workflow"
)

// Server is the HTTP surface over the workflow engine. Handlers stay
// thin: authn/authz plus payload shaping; every state transition goes
// through the engine.
type Server struct {
	db        *gorm.DB
	eng       *workflow.Engine
	users     *usersgorm.Repo
	perf      *perfgorm.Repo
	apprs     *approvalsgorm.Repo
	hier      *hierarchygorm.Repo
	notifs    *notifgorm.Repo
	proxies   *proxyloggorm.Repo
	rbac      rbac.Policy
	tokens    *token.Manager
	audit     *auditchain.Writer
	tokenTTL  time.Duration
	startedAt time.Time

	httpSrv *http.Server

	// login rate limiting: key = ip|username -> attempt times in window
	loginAttempts map[string][]time.Time
	loginMu       sync.Mutex
}

type Config struct {
	TokenSecret string
	TokenTTL    time.Duration
	Policy      rbac.Policy
	Audit       *auditchain.Writer
	Metrics     *telemetry.WorkflowMetrics
}

func NewServer(db *gorm.DB, cfg Config) (*Server, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	policy := cfg.Policy
	if policy == nil {
		p, err := rbac.NewFromGrants(rbac.DefaultGrants())
		if err != nil {
			return nil, err
		}
		policy = p
	}
	return &Server{
		db:            db,
		eng:           workflow.NewEngine(db, workflow.Options{Audit: cfg.Audit, Metrics: cfg.Metrics}),
		users:         usersgorm.New(db),
		perf:          perfgorm.New(db),
		apprs:         approvalsgorm.New(db),
		hier:          hierarchygorm.New(db),
		notifs:        notifgorm.New(db),
		proxies:       proxyloggorm.New(db),
		rbac:          policy,
		tokens:        token.NewManager(cfg.TokenSecret),
		audit:         cfg.Audit,
		tokenTTL:      cfg.TokenTTL,
		startedAt:     time.Now(),
		loginAttempts: map[string][]time.Time{},
	}, nil
}

// auth extracts the caller from the Bearer token.
func (s *Server) auth(r *http.Request) (string, []string, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") && s.tokens != nil {
		user, roles, err := s.tokens.Verify(strings.TrimPrefix(authz, "Bearer "))
		if err == nil {
			return user, roles, true
		}
	}
	return "", nil, false
}

// require checks that the request is authenticated and carries any of
// the permissions. Writes the error response itself on failure.
func (s *Server) require(c *gin.Context, anyOf ...string) (string, []string, bool) {
	user, roles, ok := s.auth(c.Request)
	if !ok {
		s.respondError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return "", nil, false
	}
	if len(anyOf) == 0 {
		return user, roles, true
	}
	if s.rbac.CanAny(roles, anyOf...) {
		return user, roles, true
	}
	rbac.LogDenied(user, roles, strings.Join(anyOf, "|"))
	s.respondError(c, http.StatusForbidden, "forbidden", "forbidden")
	return user, roles, false
}

// respondError sends the unified JSON error body.
func (s *Server) respondError(c *gin.Context, status int, code, message string) {
	type errBody struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}
	rid, _ := c.Get("reqid")
	c.JSON(status, errBody{Code: code, Message: message, RequestID: fmt.Sprint(rid)})
}

// respondEngineError maps workflow error kinds onto HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	kind := workflow.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case workflow.KindUnauthenticated:
		status = http.StatusUnauthorized
	case workflow.KindUnauthorized:
		status = http.StatusForbidden
	case workflow.KindNotFound:
		status = http.StatusNotFound
	case workflow.KindInvalidState, workflow.KindValidation:
		status = http.StatusBadRequest
	case workflow.KindConflict:
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("workflow internal error", "error", err, "path", c.Request.URL.Path)
		msg = "internal error"
	}
	s.respondError(c, status, kind.String(), msg)
}

// ginReqID injects/propagates an X-Request-ID for traceability.
func (s *Server) ginReqID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.Request.Header.Get("X-Request-ID")
		if strings.TrimSpace(rid) == "" {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err == nil {
				rid = hex.EncodeToString(b)
			} else {
				rid = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}
		c.Set("reqid", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func (s *Server) ginCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		w := c.Writer
		allowOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowOrigins == "" || allowOrigins == "*":
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			for _, o := range strings.Split(allowOrigins, ",") {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)
		user, _, _ := s.auth(c.Request)
		lvl := slog.LevelInfo
		st := c.Writer.Status()
		if st >= 500 {
			lvl = slog.LevelError
		} else if st >= 400 {
			lvl = slog.LevelWarn
		}
		rid, _ := c.Get("reqid")
		slog.Log(c, lvl, "http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", st,
			"remote", c.ClientIP(),
			"user", user,
			"reqid", rid,
			"dur_ms", dur.Milliseconds(),
		)
	}
}

// allowLogin rate-limits login attempts per ip|username: max 10 per
// 5-minute window.
func (s *Server) allowLogin(ip, username string) bool {
	key := fmt.Sprintf("%s|%s", strings.TrimSpace(ip), strings.TrimSpace(username))
	now := time.Now()
	window := now.Add(-5 * time.Minute)
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	arr := s.loginAttempts[key]
	kept := arr[:0]
	for _, t := range arr {
		if t.After(window) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= 10 {
		s.loginAttempts[key] = kept
		return false
	}
	s.loginAttempts[key] = append(kept, now)
	return true
}

func (s *Server) auditLog(kind, actor, target string, meta map[string]string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Log(kind, actor, target, meta)
}

func (s *Server) ginEngine() *gin.Engine {
	r := gin.New()
	r.Use(s.ginReqID(), s.ginCORS(), s.ginLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		s.JSON(c, http.StatusOK, gin.H{"status": "ok", "uptime_s": int(time.Since(s.startedAt).Seconds())})
	})

	s.registerAuthRoutes(r)
	s.registerKpiRoutes(r)
	s.registerActualRoutes(r)
	s.registerApprovalRoutes(r)
	s.registerProxyRoutes(r)
	s.registerNotificationRoutes(r)
	s.registerHierarchyRoutes(r)
	return r
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.ginEngine(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shCtx)
	}
}
