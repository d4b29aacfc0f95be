package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/queue"
	"github.com/deemkeen/reelfed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	msgAccepted         = "accepted"
	msgAlreadyProcessed = "already processed"
	msgInternal         = "internal error"
)

var errAlreadyProcessed = errors.New("already processed")

// KeyDirectory answers questions about local self-certifying identities.
type KeyDirectory interface {
	ResolveIdentifier(ctx context.Context, identifier string) (string, error)
	VerifyMoveActivity(ctx context.Context, activity map[string]any, sig SignatureInput) bool
	OwnerForActor(ctx context.Context, actorURI string) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

type VectorIndex interface {
	Delete(ctx context.Context, videoId uuid.UUID) error
}

// Outbox queues replies; DeliveryManager implements it.
type Outbox interface {
	PublishTo(ctx context.Context, envelope map[string]any, owner string, inboxes []string) (*domain.Activity, error)
}

// InboundRequest is what the HTTP layer hands over for one inbox POST.
type InboundRequest struct {
	Body          []byte
	Signature     string
	Date          string
	Host          string
	Digest        string
	RequestTarget string
}

type Result struct {
	Status  int
	Message string
}

type ProcessorDeps struct {
	DB                  *db.DB
	Codec               *Codec
	Keys                KeyDirectory
	Actors              *ActorFetcher
	Downloader          *Downloader
	Queue               Enqueuer
	Index               VectorIndex
	Outbox              Outbox
	MaxVideoDurationSec int
	Logger              *zap.Logger
}

// Processor runs the inbox pipeline: verify, validate, deduplicate, apply, store.
type Processor struct {
	db          *db.DB
	codec       *Codec
	keys        KeyDirectory
	actors      *ActorFetcher
	downloader  *Downloader
	queue       Enqueuer
	index       VectorIndex
	outbox      Outbox
	maxDuration int
	log         *zap.Logger
}

func NewProcessor(d ProcessorDeps) *Processor {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Processor{
		db:          d.DB,
		codec:       d.Codec,
		keys:        d.Keys,
		actors:      d.Actors,
		downloader:  d.Downloader,
		queue:       d.Queue,
		index:       d.Index,
		outbox:      d.Outbox,
		maxDuration: d.MaxVideoDurationSec,
		log:         d.Logger,
	}
}

// inbound is one activity moving through the pipeline.
type inbound struct {
	activity map[string]any
	body     []byte
	kind     domain.ActivityKind
	uri      string
	actor    string
	remote   *domain.RemoteActor // nil for did:key actors
	sig      SignatureInput
}

func (in *inbound) record() *domain.Activity {
	return &domain.Activity{
		ActivityURI: in.uri,
		Kind:        in.kind,
		ActorURI:    in.actor,
		ObjectURI:   objectId(in.activity["object"]),
		ObjectKind:  objectType(in.activity["object"]),
		RawJSON:     string(in.body),
		Local:       false,
	}
}

// Process handles one inbound activity and never panics.
func (p *Processor) Process(ctx context.Context, req InboundRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Inbox: panic while processing activity", zap.Any("panic", r), zap.Stack("stack"))
			res = Result{Status: http.StatusInternalServerError, Message: msgInternal}
		}
	}()

	return p.result(p.process(ctx, req))
}

func (p *Processor) result(err error) Result {
	switch {
	case err == nil:
		return Result{Status: http.StatusAccepted, Message: msgAccepted}
	case errors.Is(err, errAlreadyProcessed):
		return Result{Status: http.StatusAccepted, Message: msgAlreadyProcessed}
	}

	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		p.log.Error("Inbox: failed to process activity", zap.Error(err))
		return Result{Status: status, Message: msgInternal}
	}
	p.log.Info("Inbox: rejected activity", zap.Int("status", status), zap.Error(err))
	return Result{Status: status, Message: err.Error()}
}

func (p *Processor) process(ctx context.Context, req InboundRequest) error {
	var activity map[string]any
	if err := json.Unmarshal(req.Body, &activity); err != nil || activity == nil {
		return fmt.Errorf("%w: body must be a JSON object", ErrMalformed)
	}

	actor, _ := activity["actor"].(string)
	if actor == "" {
		return fmt.Errorf("%w: missing actor", ErrUnauthorized)
	}
	if req.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}
	if req.Digest != "" && req.Digest != Digest(req.Body) {
		return fmt.Errorf("%w: digest mismatch", ErrMalformed)
	}

	in := &inbound{
		activity: activity,
		body:     req.Body,
		actor:    actor,
		sig: SignatureInput{
			Header:        req.Signature,
			RequestTarget: req.RequestTarget,
			Host:          req.Host,
			Date:          req.Date,
			Digest:        req.Digest,
		},
	}

	remote, err := p.verifySignature(ctx, in)
	if err != nil {
		return err
	}
	in.remote = remote

	if err := p.codec.CheckSchema(activity); err != nil {
		return err
	}
	in.kind, _ = domain.ParseActivityKind(stringField(activity, "type"))
	in.uri = stringField(activity, "id")
	if in.uri == "" {
		canonical, err := Canonicalize(activity)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		in.uri = "urn:sha256:" + util.HashHex(canonical)
	}

	exists, err := p.db.ActivityExists(ctx, in.uri)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		return errAlreadyProcessed
	}

	p.log.Info("Inbox: received activity", zap.String("type", string(in.kind)), zap.String("actor", actor), zap.String("id", in.uri))

	err = p.route(ctx, in)
	if err != nil && isBusinessRejection(err) {
		p.storeRejected(ctx, in)
	}
	return err
}

func (p *Processor) route(ctx context.Context, in *inbound) error {
	switch in.kind {
	case domain.KindCreate:
		return p.handleCreate(ctx, in)
	case domain.KindLike:
		return p.handleEngagement(ctx, in, db.CounterLikes)
	case domain.KindAnnounce:
		return p.handleEngagement(ctx, in, db.CounterShares)
	case domain.KindDelete:
		return p.handleDelete(ctx, in)
	case domain.KindMove:
		return p.handleMove(ctx, in)
	case domain.KindFollow:
		return p.handleFollow(ctx, in)
	case domain.KindAccept, domain.KindReject:
		return p.commit(ctx, in, nil)
	default:
		return fmt.Errorf("%w: unsupported activity type %q", ErrSchemaInvalid, in.kind)
	}
}

// verifySignature resolves the actor's key and checks the request signature.
// A failure against a cached key refetches the actor once.
func (p *Processor) verifySignature(ctx context.Context, in *inbound) (*domain.RemoteActor, error) {
	if isDidKey(in.actor) {
		pem, err := p.keys.ResolveIdentifier(ctx, in.actor)
		if err != nil {
			p.log.Info("Inbox: unknown identifier", zap.String("actor", in.actor), zap.Error(err))
			return nil, fmt.Errorf("%w: cannot resolve actor key", ErrSignatureInvalid)
		}
		if !p.codec.Verify(in.sig, pem) {
			return nil, fmt.Errorf("%w: verification failed", ErrSignatureInvalid)
		}
		return nil, nil
	}

	remote, cached, err := p.actors.GetOrFetch(ctx, in.actor)
	if err != nil {
		p.log.Info("Inbox: failed to fetch actor", zap.String("actor", in.actor), zap.Error(err))
		return nil, fmt.Errorf("%w: cannot resolve actor key", ErrSignatureInvalid)
	}
	if p.codec.Verify(in.sig, remote.PublicKeyPem) {
		return remote, nil
	}
	if cached {
		p.log.Debug("Inbox: verification failed with cached key, refetching", zap.String("actor", in.actor))
		fresh, err := p.actors.Fetch(ctx, in.actor)
		if err == nil && p.codec.Verify(in.sig, fresh.PublicKeyPem) {
			return fresh, nil
		}
	}
	return nil, fmt.Errorf("%w: verification failed", ErrSignatureInvalid)
}

// commit stores the activity and applies its side effects atomically.
// A duplicate anywhere means another delivery of the same activity won.
func (p *Processor) commit(ctx context.Context, in *inbound, apply func(tx *db.Tx) error) error {
	err := p.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertActivity(ctx, in.record()); err != nil {
			return err
		}
		if apply != nil {
			return apply(tx)
		}
		return nil
	})
	if errors.Is(err, db.ErrDuplicate) {
		return errAlreadyProcessed
	}
	return err
}

func (p *Processor) storeRejected(ctx context.Context, in *inbound) {
	if err := p.db.InsertActivity(ctx, in.record()); err != nil && !errors.Is(err, db.ErrDuplicate) {
		p.log.Warn("Inbox: failed to store rejected activity", zap.String("id", in.uri), zap.Error(err))
	}
}

func (p *Processor) handleCreate(ctx context.Context, in *inbound) error {
	obj, ok := in.activity["object"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: Create object must be embedded", ErrSchemaInvalid)
	}

	switch t := stringField(obj, "type"); t {
	case "Video":
		err := p.createVideo(ctx, in, obj)
		if err != nil && !errors.Is(err, errAlreadyProcessed) {
			p.reject(ctx, in, rejectReason(err))
		}
		return err
	case "Note":
		return p.createComment(ctx, in, obj)
	default:
		return fmt.Errorf("%w: unsupported object type %q", ErrSchemaInvalid, t)
	}
}

func (p *Processor) createVideo(ctx context.Context, in *inbound, obj map[string]any) error {
	externalId := stringField(obj, "id")
	if externalId == "" {
		return fmt.Errorf("%w: video object needs an id", ErrSchemaInvalid)
	}
	exists, err := p.db.VideoExistsByExternalId(ctx, externalId)
	if err != nil {
		return fmt.Errorf("check video %s: %w", externalId, err)
	}
	if exists {
		return errAlreadyProcessed
	}

	declared := 0
	if d, ok := obj["duration"]; ok {
		if declared, err = ParseDuration(d); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
	}
	if declared > p.maxDuration {
		return fmt.Errorf("%w: duration %ds exceeds %ds", ErrDownloadLimitExceeded, declared, p.maxDuration)
	}

	source := videoSource(obj)
	if source == "" {
		return fmt.Errorf("%w: video object has no media url", ErrSchemaInvalid)
	}

	path, err := p.downloader.Download(ctx, source)
	if err != nil {
		return err
	}

	duration := declared
	if probed, err := ProbeDuration(path); err == nil {
		duration = probed
	} else {
		p.log.Debug("Inbox: could not probe duration, using declared value", zap.String("path", path), zap.Error(err))
	}
	if duration > p.maxDuration {
		p.removeFiles(path)
		return fmt.Errorf("%w: duration %ds exceeds %ds", ErrDownloadLimitExceeded, duration, p.maxDuration)
	}

	video := &domain.Video{
		OwnerUser:      in.actor,
		Title:          util.Truncate(stringField(obj, "name"), domain.MaxTitleLen),
		Description:    util.Truncate(firstNonEmpty(stringField(obj, "content"), stringField(obj, "summary")), domain.MaxDescriptionLen),
		Tags:           hashtags(obj["tag"]),
		DurationSec:    duration,
		Status:         domain.VideoProcessing,
		OriginalPath:   path,
		Federated:      true,
		OriginInstance: originOf(externalId),
		OriginActor:    in.actor,
		ExternalId:     externalId,
	}

	if err := p.commit(ctx, in, func(tx *db.Tx) error {
		return tx.InsertVideo(ctx, video)
	}); err != nil {
		p.removeFiles(path)
		return err
	}

	if err := p.queue.Enqueue(ctx, domain.TaskTranscodeVideo, queue.TranscodePayload{VideoId: video.Id.String(), OriginalPath: path}); err != nil {
		p.log.Error("Inbox: failed to enqueue transcode", zap.Stringer("video", video.Id), zap.Error(err))
	}

	p.log.Info("Inbox: federated video stored", zap.Stringer("video", video.Id), zap.String("external_id", externalId))
	return nil
}

func (p *Processor) createComment(ctx context.Context, in *inbound, obj map[string]any) error {
	inReplyTo := objectId(obj["inReplyTo"])
	if inReplyTo == "" {
		return fmt.Errorf("%w: Note needs inReplyTo", ErrSchemaInvalid)
	}

	externalId := stringField(obj, "id")
	if externalId != "" {
		exists, err := p.db.CommentExistsByExternalId(ctx, externalId)
		if err != nil {
			return fmt.Errorf("check comment %s: %w", externalId, err)
		}
		if exists {
			return errAlreadyProcessed
		}
	}

	return p.commit(ctx, in, func(tx *db.Tx) error {
		video, err := p.findVideo(ctx, tx, inReplyTo)
		if err != nil {
			return err
		}
		if err := tx.InsertComment(ctx, &domain.Comment{
			VideoId:    video.Id,
			OwnerUser:  in.actor,
			Content:    util.Truncate(stringField(obj, "content"), domain.MaxCommentLen),
			Federated:  true,
			ExternalId: externalId,
		}); err != nil {
			return err
		}
		_, err = tx.IncrementVideoCounter(ctx, video.Id, db.CounterComments)
		return err
	})
}

func (p *Processor) handleEngagement(ctx context.Context, in *inbound, counter db.Counter) error {
	target := objectId(in.activity["object"])
	if target == "" {
		return fmt.Errorf("%w: %s needs an object", ErrSchemaInvalid, in.kind)
	}

	return p.commit(ctx, in, func(tx *db.Tx) error {
		video, err := p.findVideo(ctx, tx, target)
		if err != nil {
			return err
		}
		_, err = tx.IncrementVideoCounter(ctx, video.Id, counter)
		return err
	})
}

func (p *Processor) handleDelete(ctx context.Context, in *inbound) error {
	target := objectId(in.activity["object"])
	if target == "" {
		return fmt.Errorf("%w: Delete needs an object id", ErrSchemaInvalid)
	}

	var removed *domain.Video
	err := p.commit(ctx, in, func(tx *db.Tx) error {
		video, err := p.findVideo(ctx, tx, target)
		if errors.Is(err, ErrObjectNotFound) {
			return p.deleteComment(ctx, tx, in, target)
		}
		if err != nil {
			return err
		}
		if !video.Federated || video.OriginActor != in.actor {
			return fmt.Errorf("%w: %s may not delete %s", ErrUnauthorized, in.actor, target)
		}
		if err := tx.DeleteVideo(ctx, video.Id); err != nil {
			return err
		}
		removed = video
		return nil
	})
	if err != nil {
		return err
	}

	if removed != nil {
		p.removeFiles(removed.Files()...)
		if err := p.index.Delete(ctx, removed.Id); err != nil {
			p.log.Warn("Inbox: failed to delete vector index entry", zap.Stringer("video", removed.Id), zap.Error(err))
		}
		p.log.Info("Inbox: deleted video", zap.Stringer("video", removed.Id), zap.String("external_id", removed.ExternalId))
	}
	return nil
}

func (p *Processor) deleteComment(ctx context.Context, tx *db.Tx, in *inbound, target string) error {
	comment, err := tx.ReadCommentByExternalId(ctx, target)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, target)
	}
	if err != nil {
		return err
	}
	if comment.OwnerUser != in.actor {
		return fmt.Errorf("%w: %s may not delete %s", ErrUnauthorized, in.actor, target)
	}
	return tx.DeleteComment(ctx, comment.Id)
}

func (p *Processor) handleMove(ctx context.Context, in *inbound) error {
	target := objectId(in.activity["target"])
	if target == "" {
		return fmt.Errorf("%w: Move needs a target", ErrSchemaInvalid)
	}
	oldActor := objectId(in.activity["object"])
	if oldActor == "" {
		oldActor = in.actor
	}
	if oldActor != in.actor {
		return fmt.Errorf("%w: %s may not move %s", ErrUnauthorized, in.actor, oldActor)
	}
	if isDidKey(in.actor) && !p.keys.VerifyMoveActivity(ctx, in.activity, in.sig) {
		return fmt.Errorf("%w: Move not proven by identifier key", ErrUnauthorized)
	}

	newInbox := p.actors.InboxFor(ctx, target)

	return p.commit(ctx, in, func(tx *db.Tx) error {
		n, err := tx.MigrateFollowers(ctx, oldActor, target, newInbox)
		if err != nil {
			return err
		}
		p.log.Info("Inbox: migrated followers", zap.String("from", oldActor), zap.String("to", target), zap.Int("rows", n))
		return nil
	})
}

func (p *Processor) handleFollow(ctx context.Context, in *inbound) error {
	object := objectId(in.activity["object"])
	owner, err := p.keys.OwnerForActor(ctx, object)
	if err != nil {
		return fmt.Errorf("%w: no local actor %s", ErrObjectNotFound, object)
	}

	inbox := ""
	if in.remote != nil {
		inbox = in.remote.InboxURI
	}

	if err := p.commit(ctx, in, func(tx *db.Tx) error {
		return tx.UpsertFollower(ctx, &domain.Follower{
			OwnerUser:     owner,
			FollowerActor: in.actor,
			FollowerInbox: inbox,
		})
	}); err != nil {
		return err
	}

	p.log.Info("Inbox: new follower", zap.String("owner", owner), zap.String("follower", in.actor))
	if inbox == "" {
		return nil
	}
	accept := p.codec.Build(domain.KindAccept, object, in.activity, nil)
	if _, err := p.outbox.PublishTo(ctx, accept, owner, []string{inbox}); err != nil {
		p.log.Warn("Inbox: failed to queue Accept", zap.String("follower", in.actor), zap.Error(err))
	}
	return nil
}

// reject tells the origin server, best effort, that its activity was refused.
func (p *Processor) reject(ctx context.Context, in *inbound, reason string) {
	if in.remote == nil || in.remote.InboxURI == "" {
		p.log.Debug("Inbox: no inbox to send Reject to", zap.String("actor", in.actor))
		return
	}
	env := p.codec.Build(domain.KindReject, p.codec.InstanceActorURI(), in.uri, map[string]any{"summary": reason})
	if _, err := p.outbox.PublishTo(ctx, env, "", []string{in.remote.InboxURI}); err != nil {
		p.log.Warn("Inbox: failed to queue Reject", zap.String("actor", in.actor), zap.Error(err))
	}
}

type videoReader interface {
	ReadVideoByExternalId(ctx context.Context, externalId string) (*domain.Video, error)
	ReadVideoById(ctx context.Context, id uuid.UUID) (*domain.Video, error)
}

// findVideo resolves a federated external id or one of our own video URLs.
func (p *Processor) findVideo(ctx context.Context, q videoReader, uri string) (*domain.Video, error) {
	v, err := q.ReadVideoByExternalId(ctx, uri)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	prefix := p.codec.InstanceURL() + "/videos/"
	if rest, ok := strings.CutPrefix(uri, prefix); ok {
		if id, perr := uuid.Parse(rest); perr == nil {
			v, err = q.ReadVideoById(ctx, id)
			if err == nil {
				return v, nil
			}
			if !errors.Is(err, db.ErrNotFound) {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
}

func (p *Processor) removeFiles(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("Inbox: failed to remove file", zap.String("path", path), zap.Error(err))
		}
	}
}

func rejectReason(err error) string {
	if isBusinessRejection(err) {
		return err.Error()
	}
	return "processing failed"
}

func isDidKey(actor string) bool {
	return strings.HasPrefix(actor, "did:key:")
}

// videoSource picks the best downloadable rendition: the last video
// attachment (highest resolution), else the object url.
func videoSource(obj map[string]any) string {
	if attachments, ok := obj["attachment"].([]any); ok {
		for i := len(attachments) - 1; i >= 0; i-- {
			a, ok := attachments[i].(map[string]any)
			if !ok {
				continue
			}
			mt := stringField(a, "mediaType")
			if mt != "" && !strings.HasPrefix(mt, "video/") {
				continue
			}
			if u := linkHref(a["url"]); u != "" {
				return u
			}
		}
	}
	return linkHref(obj["url"])
}

func linkHref(v any) string {
	switch u := v.(type) {
	case string:
		return u
	case map[string]any:
		return firstNonEmpty(stringField(u, "href"), stringField(u, "url"))
	case []any:
		for _, item := range u {
			if href := linkHref(item); href != "" {
				return href
			}
		}
	}
	return ""
}

func hashtags(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, item := range items {
		if len(tags) == domain.MaxTags {
			break
		}
		switch t := item.(type) {
		case map[string]any:
			if typ := stringField(t, "type"); typ != "" && typ != "Hashtag" {
				continue
			}
			if name := strings.TrimPrefix(stringField(t, "name"), "#"); name != "" {
				tags = append(tags, name)
			}
		case string:
			if name := strings.TrimPrefix(t, "#"); name != "" {
				tags = append(tags, name)
			}
		}
	}
	return tags
}

func originOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
