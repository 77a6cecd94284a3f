package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/pkg/logger"
	"github.com/tianshu-ai/tianshu/pkg/version"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{
		"status":  "ok",
		"version": version.GetVersion(),
	}
	if err := s.db.PingContext(ctx); err != nil {
		logger.FromContext(ctx).Error("store liveness check failed", "error", err)
		body["status"] = "degraded"
		body["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "ok"
	if stats, err := s.tasks.Stats(ctx); err == nil {
		body["queue"] = stats
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleEngines(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{"engines": s.registry.Catalog()}, "")
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.tasks.Stats(c.Request.Context())
	if err != nil {
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, stats, "")
}

func (s *Server) handleCleanup(c *gin.Context) {
	days := s.cfg.Retention.CleanupDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, "days must be a non-negative integer", nil)
			return
		}
		days = parsed
	}
	removed, err := s.tasks.Cleanup(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"removed": removed, "days": days}, "cleanup completed")
}

func (s *Server) handleResetStale(c *gin.Context) {
	timeout := s.cfg.Retention.StaleTimeout
	if raw := c.Query("timeout_minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "timeout_minutes must be a positive integer", nil)
			return
		}
		timeout = time.Duration(parsed) * time.Minute
	}
	reset, err := s.tasks.ResetStale(c.Request.Context(), timeout)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"reset": reset, "timeout": timeout.String()}, "stale tasks reset")
}

type bootstrapRequest struct {
	Username string `json:"username" binding:"required"`
}

// handleBootstrap mints the first admin and its API key. It works exactly
// once; afterwards it reports conflict.
func (s *Server) handleBootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "username is required", err.Error())
		return
	}
	plaintext, user, err := s.auth.Bootstrap(c.Request.Context(), req.Username)
	if err != nil {
		var coded *core.Error
		if errors.As(err, &coded) && coded.Code == "ALREADY_BOOTSTRAPPED" {
			respondError(c, http.StatusConflict, "an admin user already exists", nil)
			return
		}
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"user":    user,
		"api_key": plaintext,
	}, "store the API key now; it is not shown again")
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "username is required", err.Error())
		return
	}
	role := auth.RoleUser
	if req.Role != "" {
		switch auth.Role(req.Role) {
		case auth.RoleAdmin, auth.RoleUser:
			role = auth.Role(req.Role)
		default:
			respondError(c, http.StatusBadRequest, "role must be admin or user", nil)
			return
		}
	}
	user, plaintext, err := s.auth.CreateUserWithKey(c.Request.Context(), req.Username, role)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"user":    user,
		"api_key": plaintext,
	}, "store the API key now; it is not shown again")
}

type createKeyRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "user_id is required", err.Error())
		return
	}
	userID, err := core.ParseID(req.UserID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid user_id", nil)
		return
	}
	plaintext, key, err := s.auth.GenerateAPIKey(c.Request.Context(), userID, req.Name)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "user not found", nil)
			return
		}
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"key":     key,
		"api_key": plaintext,
	}, "store the API key now; it is not shown again")
}
