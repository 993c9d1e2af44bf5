// Package api exposes the workflow over HTTP. Routing is gin-based with
// bearer-token auth, per-route role gates, and SSE/websocket streams for
// notification delivery.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seqcore/internal/auth"
	"seqcore/internal/core"
	"seqcore/internal/intake"
	"seqcore/internal/logging"
	"seqcore/internal/notify"
)

// Server bundles the handlers' collaborators.
type Server struct {
	service  *core.Service
	queue    *intake.Queue
	registry *notify.Registry
	verifier auth.Verifier
	logger   logging.Logger
}

// NewServer wires a Server. A nil registry disables the stream routes'
// delivery but keeps the API functional.
func NewServer(service *core.Service, queue *intake.Queue, registry *notify.Registry, verifier auth.Verifier, logger logging.Logger) *Server {
	return &Server{
		service:  service,
		queue:    queue,
		registry: registry,
		verifier: verifier,
		logger:   logging.OrNop(logger),
	}
}

// Router builds the gin engine. corsOrigins empty means allow-all, which
// suits single-host lab deployments behind a reverse proxy.
func (s *Server) Router(corsOrigins []string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(corsOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = corsOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1", auth.Middleware(s.verifier))

	v1.POST("/etl/queue", s.handleQueueEtl)

	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleSessionDetail)
	v1.POST("/sessions/:id/fastq", auth.RequireRoles(auth.RoleLabTech, auth.RoleAdmin), s.handleRegisterFastq)

	v1.POST("/fastq/:id/submit", auth.RequireRoles(auth.RoleLabTech, auth.RoleAdmin), s.handleSubmitFastq)
	v1.POST("/fastq/:id/analysis", auth.RequireRoles(auth.RoleAnalyst, auth.RoleAdmin), s.handleProcessAnalysis)
	v1.POST("/fastq/:id/approve", auth.RequireRoles(auth.RoleAnalyst, auth.RoleAdmin), s.handleApproveFastq)
	v1.POST("/fastq/:id/reject", auth.RequireRoles(auth.RoleAnalyst, auth.RoleAdmin), s.handleRejectFastq)

	v1.GET("/etl-results/:id/download", s.handleDownloadEtlResult)
	v1.POST("/etl-results/:id/submit", auth.RequireRoles(auth.RoleAnalyst, auth.RoleAdmin), s.handleSubmitForValidation)
	v1.POST("/etl-results/:id/accept", auth.RequireRoles(auth.RoleValidator, auth.RoleAdmin), s.handleAcceptEtlResult)
	v1.POST("/etl-results/:id/reject", auth.RequireRoles(auth.RoleValidator, auth.RoleAdmin), s.handleRejectEtlResult)
	v1.POST("/etl-results/:id/retry", auth.RequireRoles(auth.RoleAnalyst, auth.RoleAdmin), s.handleRetryEtlResult)

	v1.GET("/validation/sessions", auth.RequireRoles(auth.RoleValidator, auth.RoleAdmin), s.handleValidationSessions)

	v1.GET("/notifications/stream", s.handleNotificationStream)
	v1.GET("/notifications/ws", s.handleNotificationSocket)

	return engine
}
