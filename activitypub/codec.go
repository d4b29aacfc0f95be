package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/deemkeen/reelfed/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	ContentType            = "application/activity+json"
)

// Codec builds, serializes, signs and checks activity envelopes.
type Codec struct {
	instanceURL string
	mediaDir    string
	log         *zap.Logger
	now         func() time.Time
}

func NewCodec(instanceURL, mediaDir string, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{
		instanceURL: strings.TrimRight(instanceURL, "/"),
		mediaDir:    mediaDir,
		log:         logger,
		now:         time.Now,
	}
}

func (c *Codec) InstanceURL() string { return c.instanceURL }

// InstanceActorURI is the actor that signs instance-level replies.
func (c *Codec) InstanceActorURI() string { return c.instanceURL + "/actor" }

func (c *Codec) UserURI(username string) string {
	return c.instanceURL + "/users/" + username
}

func (c *Codec) VideoURI(id uuid.UUID) string {
	return c.instanceURL + "/videos/" + id.String()
}

// Build returns a new envelope with a fresh id. Keys in extra are copied
// over the defaults.
func (c *Codec) Build(kind domain.ActivityKind, actor string, object any, extra map[string]any) map[string]any {
	env := map[string]any{
		"@context":  ActivityStreamsContext,
		"id":        c.instanceURL + "/activities/" + uuid.NewString(),
		"type":      string(kind),
		"actor":     actor,
		"published": c.now().UTC().Format(time.RFC3339),
	}
	if object != nil {
		env["object"] = object
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// CanonicalObject renders a video as the Video object other servers receive.
func (c *Codec) CanonicalObject(v *domain.Video, ownerActor string) map[string]any {
	id := v.ExternalId
	if id == "" || !v.Federated {
		id = c.VideoURI(v.Id)
	}

	tags := make([]any, 0, len(v.Tags))
	for _, t := range v.Tags {
		tags = append(tags, map[string]any{
			"type": "Hashtag",
			"name": "#" + strings.TrimPrefix(t, "#"),
		})
	}

	attachments := make([]any, 0, len(domain.Resolutions))
	for _, r := range domain.Resolutions {
		path, ok := v.ResolutionPaths[r.Name]
		if !ok || path == "" {
			continue
		}
		attachments = append(attachments, map[string]any{
			"type":      "Document",
			"mediaType": "video/mp4",
			"url":       c.MediaURL(path),
			"name":      r.Name + " version",
			"width":     r.Width,
			"height":    r.Height,
		})
	}

	obj := map[string]any{
		"@context":     ActivityStreamsContext,
		"id":           id,
		"type":         "Video",
		"name":         v.Title,
		"content":      v.Description,
		"published":    v.CreatedAt.UTC().Format(time.RFC3339),
		"attributedTo": ownerActor,
		"duration":     FormatDuration(v.DurationSec),
		"url":          id,
		"mediaType":    "video/mp4",
		"tag":          tags,
		"attachment":   attachments,
	}
	if v.ThumbnailLarge != "" {
		obj["icon"] = map[string]any{
			"type":      "Image",
			"mediaType": "image/jpeg",
			"url":       c.MediaURL(v.ThumbnailLarge),
		}
	}
	return obj
}

// MediaURL maps a file below the media directory to its public URL.
func (c *Codec) MediaURL(path string) string {
	rel, err := filepath.Rel(c.mediaDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return c.instanceURL + "/media/" + filepath.ToSlash(rel)
}

// Canonicalize serializes v as JSON with object keys in lexicographic order.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// ValidateSchema reports whether activity is structurally acceptable.
func (c *Codec) ValidateSchema(activity map[string]any) bool {
	return c.CheckSchema(activity) == nil
}

// CheckSchema is ValidateSchema with the reason for a rejection.
func (c *Codec) CheckSchema(activity map[string]any) error {
	ctxVal, ok := activity["@context"]
	if !ok || ctxVal == nil {
		return fmt.Errorf("%w: missing @context", ErrSchemaInvalid)
	}
	if !hasCanonicalContext(ctxVal) {
		c.log.Warn("Schema: non-canonical @context", zap.Any("context", ctxVal))
	}

	typ, ok := activity["type"].(string)
	if !ok || typ == "" {
		return fmt.Errorf("%w: missing type", ErrSchemaInvalid)
	}
	if actor, ok := activity["actor"].(string); !ok || actor == "" {
		return fmt.Errorf("%w: missing actor", ErrSchemaInvalid)
	}
	if _, err := domain.ParseActivityKind(typ); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if domain.RequiresObject(typ) {
		if obj, ok := activity["object"]; !ok || obj == nil {
			return fmt.Errorf("%w: %s requires an object", ErrSchemaInvalid, typ)
		}
	}
	if id, ok := activity["id"]; ok {
		if _, isString := id.(string); !isString {
			return fmt.Errorf("%w: id must be a string", ErrSchemaInvalid)
		}
	}
	return nil
}

func hasCanonicalContext(v any) bool {
	switch ctx := v.(type) {
	case string:
		return ctx == ActivityStreamsContext
	case []any:
		for _, item := range ctx {
			if s, ok := item.(string); ok && s == ActivityStreamsContext {
				return true
			}
		}
	}
	return false
}

// FormatDuration renders whole seconds as an xsd:duration.
func FormatDuration(sec int) string {
	return fmt.Sprintf("PT%dS", sec)
}

// objectId extracts the id of an object given inline or by reference.
func objectId(v any) string {
	switch o := v.(type) {
	case string:
		return o
	case map[string]any:
		if id, ok := o["id"].(string); ok {
			return id
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
