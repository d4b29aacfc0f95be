package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/queue"
	"github.com/google/uuid"
)

type fakeKeys struct {
	pems      map[string]string
	owners    map[string]string
	moveOK    bool
	moveCalls int
}

func (f *fakeKeys) ResolveIdentifier(ctx context.Context, identifier string) (string, error) {
	pem, ok := f.pems[identifier]
	if !ok {
		return "", db.ErrNotFound
	}
	return pem, nil
}

func (f *fakeKeys) VerifyMoveActivity(ctx context.Context, activity map[string]any, sig SignatureInput) bool {
	f.moveCalls++
	return f.moveOK
}

func (f *fakeKeys) OwnerForActor(ctx context.Context, actorURI string) (string, error) {
	owner, ok := f.owners[actorURI]
	if !ok {
		return "", db.ErrNotFound
	}
	return owner, nil
}

type fakeIndex struct {
	deleted []uuid.UUID
}

func (f *fakeIndex) Delete(ctx context.Context, videoId uuid.UUID) error {
	f.deleted = append(f.deleted, videoId)
	return nil
}

// remoteInstance is another server: it publishes actors sharing one key,
// serves media and counts inbox POSTs.
type remoteInstance struct {
	*httptest.Server
	key   *rsa.PrivateKey
	pem   string
	media map[string][]byte

	mu        sync.Mutex
	posts     map[string]int
	mediaGets map[string]int
}

func newRemoteInstance(t *testing.T) *remoteInstance {
	key, pem := generateTestKey(t)
	r := &remoteInstance{key: key, pem: pem, media: map[string][]byte{}, posts: map[string]int{}, mediaGets: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(actorDocument(r.URL, req.PathValue("name"), r.pem))
	})
	mux.HandleFunc("POST /users/{name}/inbox", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.posts[req.PathValue("name")]++
		r.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /media/{file}", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.mediaGets[req.PathValue("file")]++
		r.mu.Unlock()
		data, ok := r.media[req.PathValue("file")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Write(data)
	})
	r.Server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

func (r *remoteInstance) actor(name string) string {
	return r.URL + "/users/" + name
}

func (r *remoteInstance) downloads(file string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaGets[file]
}

func (r *remoteInstance) postsTo(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posts[name]
}

type inboxEnv struct {
	t        *testing.T
	db       *db.DB
	codec    *Codec
	proc     *Processor
	outbox   *DeliveryManager
	remote   *remoteInstance
	keys     *fakeKeys
	index    *fakeIndex
	mediaDir string
}

func newInboxEnv(t *testing.T) *inboxEnv {
	t.Helper()
	database := setupTestDB(t)
	mediaDir := t.TempDir()
	codec := NewCodec(testInstance, mediaDir, nil)
	remote := newRemoteInstance(t)
	instanceKey, _ := generateTestKey(t)

	outbox := NewDeliveryManager(database, codec, staticKeys{key: instanceKey, keyId: codec.InstanceActorURI() + "#main-key"}, DefaultDeliveryConfig(), nil)
	keys := &fakeKeys{
		pems:   map[string]string{},
		owners: map[string]string{codec.UserURI("alice"): "alice"},
	}
	index := &fakeIndex{}

	proc := NewProcessor(ProcessorDeps{
		DB:                  database,
		Codec:               codec,
		Keys:                keys,
		Actors:              NewActorFetcher(database, 5*time.Second, nil),
		Downloader:          NewDownloader(mediaDir, 1<<20, remote.Client(), nil),
		Queue:               queue.New(database, nil),
		Index:               index,
		Outbox:              outbox,
		MaxVideoDurationSec: 180,
	})

	return &inboxEnv{t: t, db: database, codec: codec, proc: proc, outbox: outbox, remote: remote, keys: keys, index: index, mediaDir: mediaDir}
}

// activity builds an envelope as the remote instance would send it
func (e *inboxEnv) activity(kind domain.ActivityKind, actor string, object any) map[string]any {
	env := map[string]any{
		"@context": ActivityStreamsContext,
		"id":       e.remote.URL + "/activities/" + uuid.NewString(),
		"type":     string(kind),
		"actor":    actor,
	}
	if object != nil {
		env["object"] = object
	}
	return env
}

func (e *inboxEnv) send(activity map[string]any, key *rsa.PrivateKey, keyId string) Result {
	e.t.Helper()
	signed, err := e.codec.Sign(activity, key, keyId, testInstance+"/inbox")
	if err != nil {
		e.t.Fatalf("Sign failed: %v", err)
	}
	return e.proc.Process(context.Background(), InboundRequest{
		Body:          signed.Body,
		Signature:     signed.Signature,
		Date:          signed.Date,
		Host:          signed.Host,
		Digest:        signed.Digest,
		RequestTarget: "post /inbox",
	})
}

func (e *inboxEnv) sendAs(name string, activity map[string]any) Result {
	e.t.Helper()
	return e.send(activity, e.remote.key, e.remote.actor(name)+"#main-key")
}

func (e *inboxEnv) localVideo() *domain.Video {
	e.t.Helper()
	v := &domain.Video{OwnerUser: "alice", Title: "Local", Status: domain.VideoReady}
	if err := e.db.InsertVideo(context.Background(), v); err != nil {
		e.t.Fatalf("InsertVideo failed: %v", err)
	}
	return v
}

func (e *inboxEnv) video(id uuid.UUID) *domain.Video {
	e.t.Helper()
	v, err := e.db.ReadVideoById(context.Background(), id)
	if err != nil {
		e.t.Fatalf("ReadVideoById failed: %v", err)
	}
	return v
}

func expectResult(t *testing.T, got Result, status int, message string) {
	t.Helper()
	if got.Status != status {
		t.Fatalf("Expected status %d, got %d (%s)", status, got.Status, got.Message)
	}
	if message != "" && got.Message != message {
		t.Errorf("Expected message %q, got %q", message, got.Message)
	}
}

func TestLikeIsIdempotent(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()

	like := e.activity(domain.KindLike, e.remote.actor("bob"), e.codec.VideoURI(v.Id))
	expectResult(t, e.sendAs("bob", like), http.StatusAccepted, "accepted")
	expectResult(t, e.sendAs("bob", like), http.StatusAccepted, "already processed")

	if got := e.video(v.Id); got.LikeCount != 1 {
		t.Errorf("Expected 1 like, got %d", got.LikeCount)
	}
	stored, err := e.db.ReadActivityByURI(context.Background(), like["id"].(string))
	if err != nil {
		t.Fatalf("Activity not recorded: %v", err)
	}
	if stored.Local || stored.Kind != domain.KindLike {
		t.Errorf("Unexpected stored activity %+v", stored)
	}
}

func TestLikeAndAnnounceEngagement(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()

	expectResult(t, e.sendAs("bob", e.activity(domain.KindLike, e.remote.actor("bob"), e.codec.VideoURI(v.Id))), http.StatusAccepted, "")
	expectResult(t, e.sendAs("bob", e.activity(domain.KindAnnounce, e.remote.actor("bob"), e.codec.VideoURI(v.Id))), http.StatusAccepted, "")

	got := e.video(v.Id)
	if got.LikeCount != 1 || got.ShareCount != 1 {
		t.Errorf("Expected 1 like and 1 share, got %d and %d", got.LikeCount, got.ShareCount)
	}
	if got.EngagementScore != 6 {
		t.Errorf("Expected engagement 6, got %v", got.EngagementScore)
	}
}

func TestAnnounceIsIdempotent(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()

	announce := e.activity(domain.KindAnnounce, e.remote.actor("bob"), e.codec.VideoURI(v.Id))
	expectResult(t, e.sendAs("bob", announce), http.StatusAccepted, "accepted")
	expectResult(t, e.sendAs("bob", announce), http.StatusAccepted, "already processed")

	if got := e.video(v.Id); got.ShareCount != 1 || got.EngagementScore != 4 {
		t.Errorf("Expected 1 share and score 4, got %d and %v", got.ShareCount, got.EngagementScore)
	}
}

func TestConcurrentLikeDeliveries(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()
	bob := e.remote.actor("bob")

	like := e.activity(domain.KindLike, bob, e.codec.VideoURI(v.Id))
	signed, err := e.codec.Sign(like, e.remote.key, bob+"#main-key", testInstance+"/inbox")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	req := InboundRequest{
		Body:          signed.Body,
		Signature:     signed.Signature,
		Date:          signed.Date,
		Host:          signed.Host,
		Digest:        signed.Digest,
		RequestTarget: "post /inbox",
	}

	const senders = 8
	results := make([]Result, senders)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.proc.Process(context.Background(), req)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if res.Status != http.StatusAccepted {
			t.Errorf("Expected 202 for every delivery, got %d (%s)", res.Status, res.Message)
		}
		if res.Message == "accepted" {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("Expected exactly one delivery to be applied, got %d", accepted)
	}
	if got := e.video(v.Id); got.LikeCount != 1 {
		t.Errorf("Expected 1 like, got %d", got.LikeCount)
	}
	stored, err := e.db.ReadActivitiesByActor(context.Background(), bob, 10)
	if err != nil || len(stored) != 1 {
		t.Errorf("Expected one stored activity, got %d (%v)", len(stored), err)
	}
}

func TestLikeUnknownVideo(t *testing.T) {
	e := newInboxEnv(t)
	like := e.activity(domain.KindLike, e.remote.actor("bob"), testInstance+"/videos/"+uuid.NewString())

	expectResult(t, e.sendAs("bob", like), http.StatusNotFound, "")

	// rejected activities are still recorded, so a redelivery is a no-op
	expectResult(t, e.sendAs("bob", like), http.StatusAccepted, "already processed")
}

func TestActivityWithoutIdDedupes(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()

	like := e.activity(domain.KindLike, e.remote.actor("bob"), e.codec.VideoURI(v.Id))
	delete(like, "id")

	expectResult(t, e.sendAs("bob", like), http.StatusAccepted, "accepted")
	expectResult(t, e.sendAs("bob", like), http.StatusAccepted, "already processed")
	if got := e.video(v.Id); got.LikeCount != 1 {
		t.Errorf("Expected 1 like, got %d", got.LikeCount)
	}
}

func TestRequestRejections(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()
	bob := e.remote.actor("bob")
	like := e.activity(domain.KindLike, bob, e.codec.VideoURI(v.Id))

	signed, err := e.codec.Sign(like, e.remote.key, bob+"#main-key", testInstance+"/inbox")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	valid := InboundRequest{
		Body:          signed.Body,
		Signature:     signed.Signature,
		Date:          signed.Date,
		Host:          signed.Host,
		Digest:        signed.Digest,
		RequestTarget: "post /inbox",
	}

	tests := []struct {
		name   string
		mutate func(r *InboundRequest)
		status int
	}{
		{"not json", func(r *InboundRequest) { r.Body = []byte("{nope") }, http.StatusBadRequest},
		{"json array", func(r *InboundRequest) { r.Body = []byte("[1,2]") }, http.StatusBadRequest},
		{"missing actor", func(r *InboundRequest) { r.Body = []byte(`{"type":"Like","object":"x"}`); r.Digest = "" }, http.StatusUnauthorized},
		{"missing signature", func(r *InboundRequest) { r.Signature = "" }, http.StatusUnauthorized},
		{"digest mismatch", func(r *InboundRequest) { r.Digest = Digest([]byte("other")) }, http.StatusBadRequest},
		{"wrong path", func(r *InboundRequest) { r.RequestTarget = "post /users/alice/inbox" }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			expectResult(t, e.proc.Process(context.Background(), req), tt.status, "")
		})
	}

	if got := e.video(v.Id); got.LikeCount != 0 {
		t.Errorf("Rejected requests changed the video: %d likes", got.LikeCount)
	}
	if exists, _ := e.db.ActivityExists(context.Background(), like["id"].(string)); exists {
		t.Error("Unauthenticated activity must not be recorded")
	}
}

func TestSignatureFromWrongKey(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()
	other, _ := generateTestKey(t)

	like := e.activity(domain.KindLike, e.remote.actor("bob"), e.codec.VideoURI(v.Id))
	expectResult(t, e.send(like, other, e.remote.actor("bob")+"#main-key"), http.StatusUnauthorized, "")
}

func TestSignatureRetriedWithFreshKey(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()
	ctx := context.Background()
	bob := e.remote.actor("bob")

	// cache an outdated key for bob
	_, stalePem := generateTestKey(t)
	if err := e.db.UpsertRemoteActor(ctx, &domain.RemoteActor{
		ActorURI: bob, InboxURI: bob + "/inbox", PublicKeyPem: stalePem, LastFetchedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	expectResult(t, e.sendAs("bob", e.activity(domain.KindLike, bob, e.codec.VideoURI(v.Id))), http.StatusAccepted, "")

	cached, err := e.db.ReadRemoteActor(ctx, bob)
	if err != nil || cached.PublicKeyPem != e.remote.pem {
		t.Errorf("Expected cache to hold the fresh key, err=%v", err)
	}
}

func TestActorDocumentForAnotherActor(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	v := e.localVideo()
	bob := e.remote.actor("bob")

	// a second server whose actor document claims to be bob, with its own key
	evilKey, evilPem := generateTestKey(t)
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(actorDocument(e.remote.URL, "bob", evilPem))
	}))
	t.Cleanup(evil.Close)
	mallory := evil.URL + "/users/m"

	for _, owner := range []string{"alice", "dave"} {
		e.db.UpsertFollower(ctx, &domain.Follower{OwnerUser: owner, FollowerActor: bob, FollowerInbox: bob + "/inbox"})
	}

	like := e.activity(domain.KindLike, mallory, e.codec.VideoURI(v.Id))
	expectResult(t, e.send(like, evilKey, mallory+"#main-key"), http.StatusUnauthorized, "")
	for _, uri := range []string{bob, mallory} {
		if _, err := e.db.ReadRemoteActor(ctx, uri); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("Expected no cached actor for %s, got %v", uri, err)
		}
	}

	move := e.activity(domain.KindMove, bob, bob)
	move["target"] = mallory
	expectResult(t, e.send(move, evilKey, bob+"#main-key"), http.StatusUnauthorized, "")

	// once bob is cached for real, the same document cannot replace his key
	expectResult(t, e.send(like, evilKey, mallory+"#main-key"), http.StatusUnauthorized, "")
	expectResult(t, e.send(e.activity(domain.KindMove, bob, bob), evilKey, bob+"#main-key"), http.StatusUnauthorized, "")
	if cached, err := e.db.ReadRemoteActor(ctx, bob); err != nil || cached.PublicKeyPem != e.remote.pem {
		t.Errorf("Expected bob cached with his own key, err=%v", err)
	}

	if left, _ := e.db.ReadFollowersByActor(ctx, bob); len(left) != 2 {
		t.Errorf("Expected bob to keep 2 follows, got %d", len(left))
	}
	if moved, _ := e.db.ReadFollowersByActor(ctx, mallory); len(moved) != 0 {
		t.Errorf("Forged Move migrated %d follows", len(moved))
	}
	if got := e.video(v.Id); got.LikeCount != 0 {
		t.Errorf("Expected no likes, got %d", got.LikeCount)
	}
}

func TestUnsupportedType(t *testing.T) {
	e := newInboxEnv(t)
	undo := e.activity("Undo", e.remote.actor("bob"), "x")
	expectResult(t, e.sendAs("bob", undo), http.StatusBadRequest, "")
}

func videoObject(e *inboxEnv, id, duration, file string) map[string]any {
	return map[string]any{
		"id":       e.remote.URL + "/videos/" + id,
		"type":     "Video",
		"name":     "Remote clip",
		"content":  "Filmed somewhere",
		"duration": duration,
		"tag": []any{
			map[string]any{"type": "Hashtag", "name": "#cats"},
			map[string]any{"type": "Mention", "name": "@bob"},
		},
		"attachment": []any{
			map[string]any{"type": "Document", "mediaType": "video/mp4", "url": e.remote.URL + "/media/missing.mp4"},
			map[string]any{"type": "Document", "mediaType": "video/mp4", "url": e.remote.URL + "/media/" + file},
		},
	}
}

func mp4Files(t *testing.T, dir string) []string {
	var out []string
	for _, name := range listDir(t, dir) {
		if strings.HasSuffix(name, ".mp4") || strings.HasSuffix(name, ".part") {
			out = append(out, name)
		}
	}
	return out
}

func TestCreateVideo(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	e.remote.media["clip.mp4"] = buildMP4(600, 600*30)
	bob := e.remote.actor("bob")

	obj := videoObject(e, "1", "PT30S", "clip.mp4")
	expectResult(t, e.sendAs("bob", e.activity(domain.KindCreate, bob, obj)), http.StatusAccepted, "accepted")

	v, err := e.db.ReadVideoByExternalId(ctx, obj["id"].(string))
	if err != nil {
		t.Fatalf("Federated video not stored: %v", err)
	}
	if !v.Federated || v.OriginActor != bob || v.OriginInstance != e.remote.URL {
		t.Errorf("Unexpected origin fields %+v", v)
	}
	if v.Status != domain.VideoProcessing || v.DurationSec != 30 || v.Title != "Remote clip" {
		t.Errorf("Unexpected video %+v", v)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "cats" {
		t.Errorf("Expected tags [cats], got %v", v.Tags)
	}
	if _, err := os.Stat(v.OriginalPath); err != nil {
		t.Errorf("Downloaded file missing: %v", err)
	}
	if filepath.Dir(v.OriginalPath) != e.mediaDir {
		t.Errorf("Download outside media dir: %s", v.OriginalPath)
	}

	tasks, err := e.db.ReadPendingTasks(ctx, domain.TaskTranscodeVideo, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Expected 1 transcode task, got %d (%v)", len(tasks), err)
	}
	var payload queue.TranscodePayload
	json.Unmarshal([]byte(tasks[0].Payload), &payload)
	if payload.VideoId != v.Id.String() || payload.OriginalPath != v.OriginalPath {
		t.Errorf("Unexpected task payload %+v", payload)
	}

	// the same object in a new activity is not downloaded twice
	expectResult(t, e.sendAs("bob", e.activity(domain.KindCreate, bob, obj)), http.StatusAccepted, "already processed")
	if files := mp4Files(t, e.mediaDir); len(files) != 1 {
		t.Errorf("Expected exactly one file, found %v", files)
	}
}

func TestCreateVideoRedelivered(t *testing.T) {
	e := newInboxEnv(t)
	e.remote.media["again.mp4"] = buildMP4(600, 600*20)

	create := e.activity(domain.KindCreate, e.remote.actor("bob"), videoObject(e, "5", "PT20S", "again.mp4"))
	expectResult(t, e.sendAs("bob", create), http.StatusAccepted, "accepted")
	expectResult(t, e.sendAs("bob", create), http.StatusAccepted, "already processed")

	if n := e.remote.downloads("again.mp4"); n != 1 {
		t.Errorf("Expected one download, got %d", n)
	}
	if files := mp4Files(t, e.mediaDir); len(files) != 1 {
		t.Errorf("Expected exactly one file, found %v", files)
	}
	tasks, err := e.db.ReadPendingTasks(context.Background(), domain.TaskTranscodeVideo, 10)
	if err != nil || len(tasks) != 1 {
		t.Errorf("Expected 1 transcode task, got %d (%v)", len(tasks), err)
	}
}

func TestCreateVideoDeclaredTooLong(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	e.remote.media["long.mp4"] = buildMP4(1, 300)
	bob := e.remote.actor("bob")

	create := e.activity(domain.KindCreate, bob, videoObject(e, "2", "PT5M", "long.mp4"))
	expectResult(t, e.sendAs("bob", create), http.StatusBadRequest, "")

	if exists, _ := e.db.VideoExistsByExternalId(ctx, e.remote.URL+"/videos/2"); exists {
		t.Error("Over-long video must not be stored")
	}
	if files := mp4Files(t, e.mediaDir); len(files) != 0 {
		t.Errorf("Expected no media files, found %v", files)
	}

	// a Reject goes back to the sender
	rejects, err := e.db.ReadActivitiesByActor(ctx, e.codec.InstanceActorURI(), 10)
	if err != nil || len(rejects) != 1 || rejects[0].Kind != domain.KindReject {
		t.Fatalf("Expected one queued Reject, got %v (%v)", rejects, err)
	}
	if rejects[0].ObjectURI != create["id"] {
		t.Errorf("Reject should reference the Create, got %s", rejects[0].ObjectURI)
	}
	records, _ := e.db.ReadDeliveriesByActivity(ctx, rejects[0].Id)
	if len(records) != 1 || records[0].InboxURL != bob+"/inbox" {
		t.Errorf("Expected Reject delivery to bob, got %+v", records)
	}

	e.outbox.Sweep(ctx)
	if e.remote.postsTo("bob") != 1 {
		t.Errorf("Expected Reject to be delivered, got %d posts", e.remote.postsTo("bob"))
	}
}

func TestCreateVideoProbedTooLong(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	// claims ten seconds, the file says ten minutes
	e.remote.media["liar.mp4"] = buildMP4(1000, 600000)

	create := e.activity(domain.KindCreate, e.remote.actor("bob"), videoObject(e, "3", "PT10S", "liar.mp4"))
	expectResult(t, e.sendAs("bob", create), http.StatusBadRequest, "")

	if exists, _ := e.db.VideoExistsByExternalId(ctx, e.remote.URL+"/videos/3"); exists {
		t.Error("Over-long video must not be stored")
	}
	if files := mp4Files(t, e.mediaDir); len(files) != 0 {
		t.Errorf("Downloaded file not cleaned up: %v", files)
	}
}

func TestCreateVideoMissingMedia(t *testing.T) {
	e := newInboxEnv(t)
	obj := videoObject(e, "4", "PT10S", "nowhere.mp4")

	res := e.sendAs("bob", e.activity(domain.KindCreate, e.remote.actor("bob"), obj))
	if res.Status != http.StatusInternalServerError || res.Message != "internal error" {
		t.Errorf("Expected opaque internal error, got %+v", res)
	}
}

func TestCreateComment(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	v := e.localVideo()
	bob := e.remote.actor("bob")

	note := map[string]any{
		"id":        e.remote.URL + "/notes/1",
		"type":      "Note",
		"content":   "nice",
		"inReplyTo": e.codec.VideoURI(v.Id),
	}
	expectResult(t, e.sendAs("bob", e.activity(domain.KindCreate, bob, note)), http.StatusAccepted, "")

	got := e.video(v.Id)
	if got.CommentCount != 1 || got.EngagementScore != 3 {
		t.Errorf("Expected 1 comment and score 3, got %d and %v", got.CommentCount, got.EngagementScore)
	}
	c, err := e.db.ReadCommentByExternalId(ctx, note["id"].(string))
	if err != nil || c.OwnerUser != bob || c.VideoId != v.Id || !c.Federated {
		t.Errorf("Unexpected comment %+v (%v)", c, err)
	}

	expectResult(t, e.sendAs("bob", e.activity(domain.KindCreate, bob, note)), http.StatusAccepted, "already processed")

	// Delete of the comment by its author
	expectResult(t, e.sendAs("bob", e.activity(domain.KindDelete, bob, note["id"])), http.StatusAccepted, "")
	if _, err := e.db.ReadCommentByExternalId(ctx, note["id"].(string)); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected comment to be deleted, got %v", err)
	}
}

func (e *inboxEnv) federatedVideo(owner string) *domain.Video {
	e.t.Helper()
	var paths []string
	for _, name := range []string{"orig.mp4", "360p.mp4", "thumb.jpg"} {
		p := filepath.Join(e.mediaDir, uuid.NewString()+"-"+name)
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			e.t.Fatalf("WriteFile failed: %v", err)
		}
		paths = append(paths, p)
	}
	v := &domain.Video{
		OwnerUser:       owner,
		Title:           "Remote",
		Status:          domain.VideoReady,
		OriginalPath:    paths[0],
		ResolutionPaths: map[string]string{"360p": paths[1]},
		ThumbnailSmall:  paths[2],
		Federated:       true,
		OriginInstance:  e.remote.URL,
		OriginActor:     owner,
		ExternalId:      e.remote.URL + "/videos/" + uuid.NewString(),
	}
	if err := e.db.InsertVideo(context.Background(), v); err != nil {
		e.t.Fatalf("InsertVideo failed: %v", err)
	}
	return v
}

func TestDeleteVideo(t *testing.T) {
	e := newInboxEnv(t)
	bob := e.remote.actor("bob")
	v := e.federatedVideo(bob)

	expectResult(t, e.sendAs("bob", e.activity(domain.KindDelete, bob, map[string]any{"id": v.ExternalId, "type": "Tombstone"})), http.StatusAccepted, "")

	if _, err := e.db.ReadVideoById(context.Background(), v.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected video to be deleted, got %v", err)
	}
	for _, p := range v.Files() {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("File %s still exists", p)
		}
	}
	if len(e.index.deleted) != 1 || e.index.deleted[0] != v.Id {
		t.Errorf("Expected index entry removal, got %v", e.index.deleted)
	}
}

func TestDeleteRedelivered(t *testing.T) {
	e := newInboxEnv(t)
	bob := e.remote.actor("bob")
	v := e.federatedVideo(bob)

	del := e.activity(domain.KindDelete, bob, map[string]any{"id": v.ExternalId, "type": "Tombstone"})
	expectResult(t, e.sendAs("bob", del), http.StatusAccepted, "accepted")
	expectResult(t, e.sendAs("bob", del), http.StatusAccepted, "already processed")

	if len(e.index.deleted) != 1 {
		t.Errorf("Expected one index removal, got %v", e.index.deleted)
	}
}

func TestDeleteByOtherActor(t *testing.T) {
	e := newInboxEnv(t)
	v := e.federatedVideo(e.remote.actor("bob"))

	expectResult(t, e.sendAs("carol", e.activity(domain.KindDelete, e.remote.actor("carol"), v.ExternalId)), http.StatusUnauthorized, "")

	e.video(v.Id)
	if _, err := os.Stat(v.OriginalPath); err != nil {
		t.Errorf("File removed by unauthorized Delete: %v", err)
	}
	if len(e.index.deleted) != 0 {
		t.Error("Index touched by unauthorized Delete")
	}
}

func TestDeleteLocalVideoRefused(t *testing.T) {
	e := newInboxEnv(t)
	v := e.localVideo()
	expectResult(t, e.sendAs("bob", e.activity(domain.KindDelete, e.remote.actor("bob"), e.codec.VideoURI(v.Id))), http.StatusUnauthorized, "")
	e.video(v.Id)
}

func TestFollowQueuesAccept(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	bob := e.remote.actor("bob")

	expectResult(t, e.sendAs("bob", e.activity(domain.KindFollow, bob, e.codec.UserURI("alice"))), http.StatusAccepted, "")

	followers, err := e.db.ReadFollowers(ctx, "alice")
	if err != nil || len(followers) != 1 {
		t.Fatalf("Expected one follower, got %v (%v)", followers, err)
	}
	if followers[0].FollowerActor != bob || followers[0].FollowerInbox != bob+"/inbox" {
		t.Errorf("Unexpected follower %+v", followers[0])
	}

	if n, _ := e.outbox.Sweep(ctx); n != 1 {
		t.Errorf("Expected one queued Accept, got %d", n)
	}
	if e.remote.postsTo("bob") != 1 {
		t.Errorf("Accept not delivered to bob")
	}
}

func TestFollowUnknownUser(t *testing.T) {
	e := newInboxEnv(t)
	expectResult(t, e.sendAs("bob", e.activity(domain.KindFollow, e.remote.actor("bob"), e.codec.UserURI("nobody"))), http.StatusNotFound, "")
}

func TestMoveMigratesFollowers(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	bob, bob2 := e.remote.actor("bob"), e.remote.actor("bob2")

	for _, owner := range []string{"alice", "dave"} {
		e.db.UpsertFollower(ctx, &domain.Follower{OwnerUser: owner, FollowerActor: bob, FollowerInbox: bob + "/inbox"})
	}

	move := e.activity(domain.KindMove, bob, bob)
	move["target"] = bob2
	expectResult(t, e.sendAs("bob", move), http.StatusAccepted, "")

	moved, err := e.db.ReadFollowersByActor(ctx, bob2)
	if err != nil || len(moved) != 2 {
		t.Fatalf("Expected 2 migrated follows, got %d (%v)", len(moved), err)
	}
	if moved[0].FollowerInbox != bob2+"/inbox" {
		t.Errorf("Expected inbox of the new actor, got %s", moved[0].FollowerInbox)
	}
	if left, _ := e.db.ReadFollowersByActor(ctx, bob); len(left) != 0 {
		t.Errorf("Old actor still followed %d times", len(left))
	}
}

func TestMoveRedelivered(t *testing.T) {
	e := newInboxEnv(t)
	ctx := context.Background()
	bob, bob2 := e.remote.actor("bob"), e.remote.actor("bob2")
	e.db.UpsertFollower(ctx, &domain.Follower{OwnerUser: "alice", FollowerActor: bob, FollowerInbox: bob + "/inbox"})

	move := e.activity(domain.KindMove, bob, bob)
	move["target"] = bob2
	expectResult(t, e.sendAs("bob", move), http.StatusAccepted, "accepted")

	// a follow that arrives after the migration is left alone by a redelivery
	e.db.UpsertFollower(ctx, &domain.Follower{OwnerUser: "dave", FollowerActor: bob, FollowerInbox: bob + "/inbox"})
	expectResult(t, e.sendAs("bob", move), http.StatusAccepted, "already processed")

	if left, _ := e.db.ReadFollowersByActor(ctx, bob); len(left) != 1 || left[0].OwnerUser != "dave" {
		t.Errorf("Expected dave's follow of bob to remain, got %+v", left)
	}
	if moved, _ := e.db.ReadFollowersByActor(ctx, bob2); len(moved) != 1 || moved[0].OwnerUser != "alice" {
		t.Errorf("Expected only alice's follow migrated, got %+v", moved)
	}
}

func TestMoveOfAnotherActor(t *testing.T) {
	e := newInboxEnv(t)
	move := e.activity(domain.KindMove, e.remote.actor("carol"), e.remote.actor("bob"))
	move["target"] = e.remote.actor("carol")
	expectResult(t, e.sendAs("carol", move), http.StatusUnauthorized, "")
}

func TestMoveWithIdentifier(t *testing.T) {
	ctx := context.Background()
	const identifier = "did:key:zTestIdentifier"

	setup := func(t *testing.T) (*inboxEnv, *rsa.PrivateKey, map[string]any) {
		e := newInboxEnv(t)
		key, pem := generateTestKey(t)
		e.keys.pems[identifier] = pem
		e.db.UpsertFollower(ctx, &domain.Follower{OwnerUser: "alice", FollowerActor: identifier})

		move := e.activity(domain.KindMove, identifier, identifier)
		move["target"] = e.remote.actor("zed")
		return e, key, move
	}

	t.Run("valid", func(t *testing.T) {
		e, key, move := setup(t)
		e.keys.moveOK = true
		expectResult(t, e.send(move, key, identifier+"#main-key"), http.StatusAccepted, "")

		moved, _ := e.db.ReadFollowersByActor(ctx, e.remote.actor("zed"))
		if len(moved) != 1 {
			t.Errorf("Expected 1 migrated follow, got %d", len(moved))
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		e, _, move := setup(t)
		e.keys.moveOK = true
		other, _ := generateTestKey(t)
		expectResult(t, e.send(move, other, identifier+"#main-key"), http.StatusUnauthorized, "")

		if moved, _ := e.db.ReadFollowersByActor(ctx, e.remote.actor("zed")); len(moved) != 0 {
			t.Errorf("Forged Move migrated %d follows", len(moved))
		}
		if e.keys.moveCalls != 0 {
			t.Error("Move proof checked despite failed request signature")
		}
	})

	t.Run("proof rejected", func(t *testing.T) {
		e, key, move := setup(t)
		expectResult(t, e.send(move, key, identifier+"#main-key"), http.StatusUnauthorized, "")
		if moved, _ := e.db.ReadFollowersByActor(ctx, e.remote.actor("zed")); len(moved) != 0 {
			t.Errorf("Unproven Move migrated %d follows", len(moved))
		}
	})

	t.Run("unknown identifier", func(t *testing.T) {
		e, key, move := setup(t)
		delete(e.keys.pems, identifier)
		expectResult(t, e.send(move, key, identifier+"#main-key"), http.StatusUnauthorized, "")
	})
}

func TestAcceptIsRecorded(t *testing.T) {
	e := newInboxEnv(t)
	accept := e.activity(domain.KindAccept, e.remote.actor("bob"), testInstance+"/activities/1")
	expectResult(t, e.sendAs("bob", accept), http.StatusAccepted, "")
	if exists, _ := e.db.ActivityExists(context.Background(), accept["id"].(string)); !exists {
		t.Error("Accept not recorded")
	}
}

func TestVideoSourceAndHashtags(t *testing.T) {
	obj := map[string]any{
		"url": []any{map[string]any{"type": "Link", "href": "https://a.example/v.mp4"}},
		"attachment": []any{
			map[string]any{"mediaType": "video/mp4", "url": "https://a.example/360.mp4"},
			map[string]any{"mediaType": "image/jpeg", "url": "https://a.example/t.jpg"},
		},
	}
	if got := videoSource(obj); got != "https://a.example/360.mp4" {
		t.Errorf("Expected last video attachment, got %s", got)
	}
	delete(obj, "attachment")
	if got := videoSource(obj); got != "https://a.example/v.mp4" {
		t.Errorf("Expected url fallback, got %s", got)
	}

	var tags []any
	for i := 0; i < 15; i++ {
		tags = append(tags, "#t")
	}
	if got := hashtags(tags); len(got) != domain.MaxTags {
		t.Errorf("Expected %d tags, got %d", domain.MaxTags, len(got))
	}
}
