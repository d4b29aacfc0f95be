package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleInbox feeds one delivery into the inbound pipeline. All three inbox
// paths share it; the signed request target is whatever path was hit.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		abortWithError(c, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := c.GetHeader("Signature")
	if signature != "" && c.GetHeader("Date") == "" {
		abortWithError(c, http.StatusBadRequest, "missing date header")
		return
	}

	res := s.processor.Process(c.Request.Context(), activitypub.InboundRequest{
		Body:          body,
		Signature:     signature,
		Date:          c.GetHeader("Date"),
		Host:          c.Request.Host,
		Digest:        c.GetHeader("Digest"),
		RequestTarget: "post " + c.Request.URL.Path,
	})

	status := "accepted"
	if res.Status >= http.StatusBadRequest {
		status = "error"
		s.log.Debug("Inbox: request refused", zap.String("path", c.Request.URL.Path), zap.Int("status", res.Status), zap.String("message", res.Message))
	}
	c.JSON(res.Status, gin.H{"status": status, "message": res.Message})
}

func (s *Server) handleInboxInfo(c *gin.Context) {
	renderActivityJSON(c, http.StatusOK, map[string]any{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         s.codec.InstanceURL() + "/api/federation/inbox",
		"type":       "OrderedCollection",
		"totalItems": 0,
	})
}
