package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/identity"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Server) handleInstanceActor(c *gin.Context) {
	actor, err := s.keys.InstanceActor()
	if err != nil {
		s.log.Error("Actor: instance actor unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}
	renderActivityJSON(c, http.StatusOK, actor)
}

func (s *Server) handleActor(c *gin.Context) {
	km, err := s.keys.Identity(c.Request.Context(), c.Param("username"))
	if err != nil {
		if !errors.Is(err, identity.ErrNoIdentity) {
			s.log.Error("Actor: failed to load identity", zap.String("user", c.Param("username")), zap.Error(err))
		}
		notFound(c, "user")
		return
	}
	renderActivityJSON(c, http.StatusOK, s.keys.ActorDescriptor(km))
}

func (s *Server) handleFollowers(c *gin.Context) {
	username := c.Param("username")
	if _, err := s.keys.Identity(c.Request.Context(), username); err != nil {
		notFound(c, "user")
		return
	}
	followers, err := s.db.ReadFollowers(c.Request.Context(), username)
	if err != nil {
		s.log.Error("Actor: failed to read followers", zap.String("user", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}
	renderActivityJSON(c, http.StatusOK, map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         s.codec.UserURI(username) + "/followers",
		"type":       "OrderedCollection",
		"totalItems": len(followers),
	})
}

func (s *Server) handleVideo(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c, "video")
		return
	}
	v, err := s.db.ReadVideoById(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && v.Federated) {
		notFound(c, "video")
		return
	}
	if err != nil {
		s.log.Error("Video: failed to load", zap.Stringer("video", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}
	renderActivityJSON(c, http.StatusOK, s.codec.CanonicalObject(v, s.ownerActor(c.Request.Context(), v.OwnerUser)))
}

// ownerActor is the actor a local video is attributed to: the owner's
// identifier when they have one, else their profile URL.
func (s *Server) ownerActor(ctx context.Context, owner string) string {
	if km, err := s.keys.Identity(ctx, owner); err == nil {
		return km.Identifier
	}
	return s.codec.UserURI(owner)
}
