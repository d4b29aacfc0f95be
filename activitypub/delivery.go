package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KeyResolver supplies the key an owner's activities are signed with.
// An empty owner means the instance actor.
type KeyResolver interface {
	SigningKey(ctx context.Context, owner string) (*rsa.PrivateKey, string, error)
}

type DeliveryConfig struct {
	Timeout        time.Duration
	Interval       time.Duration
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	RetryDelays    []time.Duration
	PermanentOn4xx bool
}

// DefaultRetryDelays is the fixed backoff between failed attempts.
var DefaultRetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Timeout:        30 * time.Second,
		Interval:       10 * time.Second,
		BatchSize:      50,
		Concurrency:    8,
		MaxAttempts:    5,
		RetryDelays:    DefaultRetryDelays,
		PermanentOn4xx: true,
	}
}

// DeliveryManager owns the lifecycle of outbound DeliveryRecords.
type DeliveryManager struct {
	db     *db.DB
	codec  *Codec
	keys   KeyResolver
	client *http.Client
	cfg    DeliveryConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewDeliveryManager(database *db.DB, codec *Codec, keys KeyResolver, cfg DeliveryConfig, logger *zap.Logger) *DeliveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &DeliveryManager{
		db:     database,
		codec:  codec,
		keys:   keys,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
	}
}

// Run sweeps due deliveries on every tick until ctx ends.
func (m *DeliveryManager) Run(ctx context.Context) {
	m.log.Info("Starting ActivityPub delivery worker", zap.Duration("interval", m.cfg.Interval))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("DeliveryWorker: stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("DeliveryWorker: sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep attempts one batch of due records concurrently and returns how many
// were attempted. A failing record never stops the others.
func (m *DeliveryManager) Sweep(ctx context.Context) (int, error) {
	records, err := m.db.ReadDueDeliveries(ctx, m.now().UTC(), m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read due deliveries: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	m.log.Info("DeliveryWorker: processing pending deliveries", zap.Int("count", len(records)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range records {
		r := &records[i]
		g.Go(func() error {
			if err := m.Attempt(gctx, r); err != nil {
				m.log.Debug("DeliveryWorker: attempt failed", zap.String("inbox", r.InboxURL), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(records), nil
}

// Attempt delivers one record and persists the outcome. The returned error
// describes a failed attempt; the record is updated either way.
func (m *DeliveryManager) Attempt(ctx context.Context, r *domain.DeliveryRecord) error {
	sendErr := m.send(ctx, r)
	if err := m.recordOutcome(ctx, r, sendErr); err != nil {
		return err
	}
	return sendErr
}

func (m *DeliveryManager) send(ctx context.Context, r *domain.DeliveryRecord) error {
	activity, err := m.db.ReadActivityById(ctx, r.ActivityId)
	if err != nil {
		return fmt.Errorf("%w: load activity %s: %v", ErrDeliveryPermanent, r.ActivityId, err)
	}

	key, keyId, err := m.keys.SigningKey(ctx, activity.OwnerUser)
	if err != nil {
		return fmt.Errorf("%w: signing key for %q: %v", ErrDeliveryTransient, activity.OwnerUser, err)
	}

	signed, err := m.codec.SignBody([]byte(activity.RawJSON), key, keyId, r.InboxURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryPermanent, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.InboxURL, bytes.NewReader(signed.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryPermanent, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", signed.Date)
	req.Header.Set("Digest", signed.Digest)
	req.Header.Set("Signature", signed.Signature)
	req.Host = signed.Host

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return m.classify(resp.StatusCode)
}

func (m *DeliveryManager) classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests && m.cfg.PermanentOn4xx:
		return fmt.Errorf("%w: remote server returned status %d", ErrDeliveryPermanent, status)
	default:
		return fmt.Errorf("%w: remote server returned status %d", ErrDeliveryTransient, status)
	}
}

// recordOutcome applies the retry schedule: after the n-th transient
// failure the record waits RetryDelays[n-1]; once MaxAttempts failures have
// been scheduled the next one marks it failed.
func (m *DeliveryManager) recordOutcome(ctx context.Context, r *domain.DeliveryRecord, sendErr error) error {
	now := m.now().UTC()
	r.Attempts++
	r.LastAttemptAt = &now

	switch {
	case sendErr == nil:
		r.Status = domain.DeliveryDelivered
		r.NextRetryAt = nil
		r.ErrorMessage = ""
		m.log.Info("DeliveryWorker: delivered", zap.String("inbox", r.InboxURL), zap.Int("attempts", r.Attempts))
	case errors.Is(sendErr, ErrDeliveryPermanent):
		r.Status = domain.DeliveryFailed
		r.NextRetryAt = nil
		r.ErrorMessage = sendErr.Error()
		m.log.Warn("DeliveryWorker: permanent failure", zap.String("inbox", r.InboxURL), zap.Error(sendErr))
	case r.Attempts <= m.cfg.MaxAttempts:
		delay := m.cfg.RetryDelays[min(r.Attempts-1, len(m.cfg.RetryDelays)-1)]
		next := now.Add(delay)
		r.Status = domain.DeliveryPending
		r.NextRetryAt = &next
		r.ErrorMessage = sendErr.Error()
		m.log.Info("DeliveryWorker: delivery failed, will retry",
			zap.String("inbox", r.InboxURL), zap.Int("attempt", r.Attempts), zap.Duration("retry_in", delay), zap.Error(sendErr))
	default:
		r.Status = domain.DeliveryFailed
		r.NextRetryAt = nil
		r.ErrorMessage = sendErr.Error()
		m.log.Warn("DeliveryWorker: giving up", zap.String("inbox", r.InboxURL), zap.Int("attempts", r.Attempts))
	}

	return m.db.UpdateDelivery(ctx, r)
}

func (m *DeliveryManager) Stats(ctx context.Context, activityId uuid.UUID) (domain.DeliveryStats, error) {
	return m.db.DeliveryStats(ctx, activityId)
}

// StatsByURI resolves a local activity by its id URI before counting.
func (m *DeliveryManager) StatsByURI(ctx context.Context, activityURI string) (domain.DeliveryStats, error) {
	if id, err := uuid.Parse(activityURI); err == nil {
		return m.Stats(ctx, id)
	}
	a, err := m.db.ReadActivityByURI(ctx, activityURI)
	if err != nil {
		return domain.DeliveryStats{}, err
	}
	return m.Stats(ctx, a.Id)
}
