package server

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Router assembles the gin engine with middleware and the full route table.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	if !logger.IsTestEnvironment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(ctx))
	r.Use(cors.New(corsConfig(s.cfg.Server.CORSAllowOrigins)))

	authn := auth.NewMiddleware(s.auth)

	api := r.Group("/api/v1")
	{
		// Public surface.
		api.GET("/health", s.handleHealth)
		api.GET("/engines", s.handleEngines)
		api.POST("/auth/bootstrap", s.handleBootstrap)

		protected := api.Group("")
		protected.Use(authn.Authenticate())
		{
			protected.POST("/tasks/submit",
				auth.RequirePermission(auth.PermTaskSubmit), s.handleSubmit)
			protected.GET("/tasks/:id", s.handleGetTask)
			protected.DELETE("/tasks/:id", s.handleCancelTask)

			protected.GET("/queue/tasks", s.handleListTasks)
			protected.GET("/queue/stats",
				auth.RequirePermission(auth.PermQueueView), s.handleQueueStats)

			protected.GET("/files/:id/*filepath", s.handleServeFile)

			admin := protected.Group("/admin")
			admin.Use(auth.RequirePermission(auth.PermQueueManage))
			{
				admin.POST("/cleanup", s.handleCleanup)
				admin.POST("/reset-stale", s.handleResetStale)
				admin.POST("/users", s.handleCreateUser)
				admin.POST("/keys", s.handleCreateKey)
			}
		}
	}
	return r
}

// requestLogger emits one structured line per request and threads the
// application logger into the request context.
func requestLogger(ctx context.Context) gin.HandlerFunc {
	log := logger.FromContext(ctx)
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), log))
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-API-Key")
	return cfg
}
