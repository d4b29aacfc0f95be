package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	outboxPageSize = 20
	// keeps the row offset far away from int overflow
	maxOutboxPage = 10000
)

var ErrPageOutOfRange = errors.New("outbox page out of range")

// Outbox returns the OrderedCollection of a user's published activities,
// or one page of it when page > 0.
func (s *Server) Outbox(ctx context.Context, username string, page int) (map[string]any, error) {
	outboxURL := s.codec.UserURI(username) + "/outbox"

	if page <= 0 {
		total, err := s.db.CountLocalActivities(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("count activities of %s: %w", username, err)
		}
		return map[string]any{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		}, nil
	}

	if page > maxOutboxPage {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, page)
	}

	// one extra row tells us whether a next page exists
	activities, err := s.db.ReadLocalActivities(ctx, username, outboxPageSize+1, (page-1)*outboxPageSize)
	if err != nil {
		return nil, fmt.Errorf("read outbox page %d of %s: %w", page, username, err)
	}
	hasMore := len(activities) > outboxPageSize
	if hasMore {
		activities = activities[:outboxPageSize]
	}

	items := make([]any, 0, len(activities))
	for _, a := range activities {
		items = append(items, json.RawMessage(a.RawJSON))
	}

	collection := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
	}
	if page > 1 {
		collection["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	if hasMore {
		collection["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	return collection, nil
}

func (s *Server) handleOutbox(c *gin.Context) {
	username := c.Param("username")
	if _, err := s.keys.Identity(c.Request.Context(), username); err != nil {
		notFound(c, "user")
		return
	}

	page := 0
	if p := c.Query("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > maxOutboxPage {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid page"})
			return
		}
		page = n
	}

	collection, err := s.Outbox(c.Request.Context(), username, page)
	if err != nil {
		s.log.Error("Outbox: failed", zap.String("user", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}
	renderActivityJSON(c, http.StatusOK, collection)
}
