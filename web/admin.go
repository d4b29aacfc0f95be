package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/identity"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type passwordRequest struct {
	Password string `json:"password" binding:"required"`
}

type migrateRequest struct {
	NewInstanceURL string `json:"newInstanceUrl" binding:"required,url"`
	Password       string `json:"password" binding:"required"`
}

// adminError maps identity and storage errors onto admin API responses.
func (s *Server) adminError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, identity.ErrNoIdentity), errors.Is(err, db.ErrNotFound):
		abortWithError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrWrongPassword):
		abortWithError(c, http.StatusUnauthorized, "wrong password")
	case errors.Is(err, identity.ErrEmptyPassword), errors.Is(err, activitypub.ErrNotPublishable):
		abortWithError(c, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("Admin: "+op+" failed", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreateIdentity(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	km, err := s.keys.CreateIdentity(c.Request.Context(), c.Param("username"), req.Password)
	if err != nil {
		s.adminError(c, "create identity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier":      km.Identifier,
		"publicKeyPem":    km.PublicKeyPem,
		"migrationStatus": km.MigrationStatus,
	})
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.keys.Unlock(c.Request.Context(), c.Param("username"), req.Password); err != nil {
		s.adminError(c, "unlock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

func (s *Server) handleMigrate(c *gin.Context) {
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	activity, err := s.keys.InitiateMigration(ctx, c.Param("username"), req.NewInstanceURL, req.Password)
	if err != nil {
		s.adminError(c, "migrate", err)
		return
	}
	stats, err := s.delivery.Stats(ctx, activity.Id)
	if err != nil {
		s.adminError(c, "migrate", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":     "migration_initiated",
		"activityId": activity.ActivityURI,
		"deliveries": stats,
	})
}

func (s *Server) handleCompleteMigration(c *gin.Context) {
	if err := s.keys.CompleteMigration(c.Request.Context(), c.Param("username")); err != nil {
		if errors.Is(err, identity.ErrNoIdentity) {
			s.adminError(c, "complete migration", err)
			return
		}
		abortWithError(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "migration_completed"})
}

func (s *Server) handlePublishVideo(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid video id")
		return
	}
	ctx := c.Request.Context()
	v, err := s.db.ReadVideoById(ctx, id)
	if err != nil {
		s.adminError(c, "publish video", err)
		return
	}
	activity, err := s.delivery.PublishVideo(ctx, v, s.ownerActor(ctx, v.OwnerUser))
	if err != nil {
		s.adminError(c, "publish video", err)
		return
	}
	stats, _ := s.delivery.Stats(ctx, activity.Id)
	c.JSON(http.StatusAccepted, gin.H{"activityId": activity.ActivityURI, "deliveries": stats})
}

func (s *Server) handleDeliveryStats(c *gin.Context) {
	ref := c.Param("activityId")
	if uri := c.Query("uri"); uri != "" {
		ref = uri
	}
	stats, err := s.delivery.StatsByURI(c.Request.Context(), ref)
	if err != nil {
		s.adminError(c, "delivery stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
