// Package web is the HTTP surface: federation inboxes, actor and object
// documents, discovery, feeds and the admin API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/identity"
	"github.com/deemkeen/reelfed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxInboxBody     = 1 << 20
	activityJSONType = activitypub.ContentType + "; charset=utf-8"
)

type Deps struct {
	Conf      *util.AppConfig
	DB        *db.DB
	Codec     *activitypub.Codec
	Processor *activitypub.Processor
	Delivery  *activitypub.DeliveryManager
	Keys      *identity.KeyManager
	Logger    *zap.Logger
}

type Server struct {
	conf      *util.AppConfig
	db        *db.DB
	codec     *activitypub.Codec
	processor *activitypub.Processor
	delivery  *activitypub.DeliveryManager
	keys      *identity.KeyManager
	log       *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{
		conf:      d.Conf,
		db:        d.DB,
		codec:     d.Codec,
		processor: d.Processor,
		delivery:  d.Delivery,
		keys:      d.Keys,
		log:       d.Logger,
	}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	// Stricter limit for inbox deliveries: 5 req/sec per IP
	inboxLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBody := MaxBytesMiddleware(maxInboxBody)
	for _, path := range []string{"/inbox", "/api/federation/inbox", "/users/:username/inbox"} {
		g.POST(path, inboxLimiter, maxBody, s.handleInbox)
	}

	read := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	read.GET("/api/federation/inbox", s.handleInboxInfo)
	read.GET("/actor", s.handleInstanceActor)
	read.GET("/users/:username", s.handleActor)
	read.GET("/users/:username/outbox", s.handleOutbox)
	read.GET("/users/:username/followers", s.handleFollowers)
	read.GET("/videos/:id", s.handleVideo)
	read.GET("/feed/:username", s.handleFeed)
	read.GET("/.well-known/webfinger", s.handleWebfinger)
	if s.conf.Conf.MediaDir != "" {
		read.Static("/media", s.conf.Conf.MediaDir)
	}

	admin := g.Group("/api", AdminAuth(s.conf.Conf.AdminToken))
	admin.POST("/identity/:username", s.handleCreateIdentity)
	admin.POST("/identity/:username/unlock", s.handleUnlock)
	admin.POST("/identity/:username/migrate", s.handleMigrate)
	admin.POST("/identity/:username/migration/complete", s.handleCompleteMigration)
	admin.POST("/videos/:id/publish", s.handlePublishVideo)
	admin.GET("/federation/deliveries/:activityId", s.handleDeliveryStats)

	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "not found"})
	})
	return g
}

// Run serves until ctx is cancelled, then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr), zap.String("instance", s.codec.InstanceURL()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutdown signal received, stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func renderActivityJSON(c *gin.Context, status int, v any) {
	body, err := activitypub.Canonicalize(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}
	c.Data(status, activityJSONType, body)
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": what + " not found"})
}
