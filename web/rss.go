package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const feedSize = 50

var errNoVideos = errors.New("no videos")

// GetRSS renders the newest local videos of username as RSS.
func (s *Server) GetRSS(ctx context.Context, username string) (string, error) {
	videos, err := s.db.ReadLocalVideos(ctx, username, feedSize)
	if err != nil {
		return "", fmt.Errorf("read videos of %s: %w", username, err)
	}
	if len(videos) == 0 {
		return "", errNoVideos
	}

	profile := s.codec.UserURI(username)
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s videos - %s", util.Name, username),
		Link:        &feeds.Link{Href: profile},
		Description: fmt.Sprintf("Latest videos from %s", username),
		Author:      &feeds.Author{Name: username},
		Created:     videos[0].CreatedAt,
	}

	for i := range videos {
		v := &videos[i]
		if v.Status != domain.VideoReady {
			continue
		}
		item := &feeds.Item{
			Id:          s.codec.VideoURI(v.Id),
			Title:       v.Title,
			Link:        &feeds.Link{Href: s.codec.VideoURI(v.Id)},
			Description: v.Description,
			Author:      &feeds.Author{Name: username},
			Created:     v.CreatedAt,
		}
		if enc := s.enclosure(v); enc != nil {
			item.Enclosure = enc
		}
		feed.Items = append(feed.Items, item)
	}

	return feed.ToRss()
}

// enclosure points at the best rendition available on disk.
func (s *Server) enclosure(v *domain.Video) *feeds.Enclosure {
	for i := len(domain.Resolutions) - 1; i >= 0; i-- {
		path, ok := v.ResolutionPaths[domain.Resolutions[i].Name]
		if !ok || path == "" {
			continue
		}
		length := "0"
		if st, err := os.Stat(path); err == nil {
			length = fmt.Sprint(st.Size())
		}
		return &feeds.Enclosure{Url: s.codec.MediaURL(path), Length: length, Type: "video/mp4"}
	}
	return nil
}

func (s *Server) handleFeed(c *gin.Context) {
	username := c.Param("username")
	rss, err := s.GetRSS(c.Request.Context(), username)
	if errors.Is(err, errNoVideos) {
		c.Data(http.StatusNotFound, "application/xml; charset=utf-8", nil)
		return
	}
	if err != nil {
		s.log.Error("RSS: failed", zap.String("user", username), zap.Error(err))
		c.Data(http.StatusInternalServerError, "application/xml; charset=utf-8", nil)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
