package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/testutil"
	"github.com/google/uuid"
)

const testDomain = "local.example"

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (p *recordingPublisher) Publish(msg notify.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) count(op notify.Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.Op == op {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(op notify.Op) (notify.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].Op == op {
			return p.msgs[i], true
		}
	}
	return notify.Message{}, false
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	store  *db.DB
	engine *Engine
	hub    *recordingPublisher
	remote *testutil.RemoteNode
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()
	store := testutil.NewDB(t)
	remote := testutil.NewRemoteNode(t)
	opts := Options{
		LocalDomain:         testDomain,
		FetchBudget:         25,
		ActorCacheTTL:       time.Hour,
		AutoAcceptFollows:   true,
		DeliveryWorkers:     2,
		DeliveryInterval:    time.Hour,
		MaxDeliveryAttempts: 3,
		HTTPClient:          remote.Server.Client(),
	}
	for _, f := range configure {
		f(&opts)
	}
	hub := &recordingPublisher{}
	return &testEnv{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		engine: NewEngine(store, hub, opts),
		hub:    hub,
		remote: remote,
	}
}

func (env *testEnv) localActor(kind domain.ActorKind, name string) *domain.Actor {
	env.t.Helper()
	a, err := NewLocalActor(testDomain, kind, name, testutil.TestKeyBits)
	if err != nil {
		env.t.Fatalf("NewLocalActor failed: %v", err)
	}
	if err := env.store.CreateLocalActor(env.ctx, a); err != nil {
		env.t.Fatalf("CreateLocalActor failed: %v", err)
	}
	return a
}

func (env *testEnv) localCommunity(name string, owner *domain.Actor) *domain.Actor {
	env.t.Helper()
	a, err := NewLocalActor(testDomain, domain.ActorCommunity, name, testutil.TestKeyBits)
	if err != nil {
		env.t.Fatalf("NewLocalActor failed: %v", err)
	}
	a.OwnerId = owner.Id
	if err := env.store.CreateLocalActor(env.ctx, a); err != nil {
		env.t.Fatalf("CreateLocalActor failed: %v", err)
	}
	return a
}

// signed builds an inbox POST signed with the key of from.
func (env *testEnv) signed(from *testutil.RemoteActor, body []byte) *http.Request {
	env.t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", bytes.NewReader(body))
	if err != nil {
		env.t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	if err := SignRequest(req, body, from.PrivateKey(env.t), from.KeyID()); err != nil {
		env.t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func (env *testEnv) receive(from *testutil.RemoteActor, activity map[string]any) error {
	env.t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		env.t.Fatalf("Marshal failed: %v", err)
	}
	return env.engine.ReceiveActivity(env.ctx, env.signed(from, body), body)
}

func (env *testEnv) remoteID(kind string) string {
	return env.remote.URL("/activities/" + kind + "/" + uuid.NewString())
}

// queued returns the pending deliveries decoded, keyed by nothing in
// particular.
func (env *testEnv) queued() []queuedActivity {
	env.t.Helper()
	items, err := env.store.ReadPendingDeliveries(env.ctx, 100)
	if err != nil {
		env.t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	var out []queuedActivity
	for _, item := range items {
		var q queuedActivity
		if err := json.Unmarshal([]byte(item.ActivityJSON), &q.Activity); err != nil {
			env.t.Fatalf("Queued activity is not JSON: %v", err)
		}
		q.Inbox = item.InboxURI
		out = append(out, q)
	}
	return out
}

type queuedActivity struct {
	Inbox    string
	Activity map[string]any
}

func (q queuedActivity) Type() string {
	s, _ := q.Activity["type"].(string)
	return s
}

func (env *testEnv) followActivity(from *testutil.RemoteActor, target *domain.Actor) map[string]any {
	return map[string]any{
		"@context": ContextActivityStreams,
		"id":       env.remoteID("follow"),
		"type":     "Follow",
		"actor":    from.URI,
		"object":   target.ActorURI,
	}
}

func (env *testEnv) pageActivity(kind string, from *testutil.RemoteActor, community string, postURI, name string) map[string]any {
	return map[string]any{
		"@context": ContextActivityStreams,
		"id":       env.remoteID(kind),
		"type":     kind,
		"actor":    from.URI,
		"to":       []string{community, PublicCollection},
		"object": map[string]any{
			"id":           postURI,
			"type":         "Page",
			"attributedTo": from.URI,
			"to":           []string{community, PublicCollection},
			"audience":     community,
			"name":         name,
			"content":      "<p>body</p>",
			"source":       map[string]any{"content": "body", "mediaType": "text/markdown"},
		},
	}
}

func (env *testEnv) readFollow(follower, target string) *domain.Follow {
	env.t.Helper()
	f, err := env.store.ReadActorByURI(env.ctx, follower)
	if err != nil {
		env.t.Fatalf("ReadActorByURI(%s) failed: %v", follower, err)
	}
	tg, err := env.store.ReadActorByURI(env.ctx, target)
	if err != nil {
		env.t.Fatalf("ReadActorByURI(%s) failed: %v", target, err)
	}
	follow, err := env.store.ReadFollow(env.ctx, f.Id, tg.Id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		env.t.Fatalf("ReadFollow failed: %v", err)
	}
	return follow
}

func TestReceiveFollowAutoAccepts(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	follow := env.followActivity(carol, community)
	if err := env.receive(carol, follow); err != nil {
		t.Fatalf("ReceiveActivity failed: %v", err)
	}

	stored := env.readFollow(carol.URI, community.ActorURI)
	if stored == nil || !stored.Accepted() {
		t.Fatalf("Expected accepted follow, got %+v", stored)
	}
	if stored.URI != follow["id"] {
		t.Errorf("Expected follow URI %v, got %s", follow["id"], stored.URI)
	}

	queued := env.queued()
	if len(queued) != 1 || queued[0].Type() != "Accept" {
		t.Fatalf("Expected one queued Accept, got %+v", queued)
	}
	accept := queued[0].Activity
	if queued[0].Inbox != carol.Inbox {
		t.Errorf("Accept queued for %s, expected %s", queued[0].Inbox, carol.Inbox)
	}
	if accept["actor"] != community.ActorURI {
		t.Errorf("Accept actor %v", accept["actor"])
	}
	to, _ := accept["to"].([]any)
	if len(to) != 1 || to[0] != carol.URI {
		t.Errorf("Accept must be addressed to the follower, got %v", accept["to"])
	}
	object, _ := accept["object"].(map[string]any)
	if object["id"] != follow["id"] || object["type"] != "Follow" || object["actor"] != carol.URI || object["object"] != community.ActorURI {
		t.Errorf("Accept must embed the original follow, got %v", object)
	}

	if env.hub.count(notify.OpFollowAccepted) != 1 {
		t.Error("Expected FollowAccepted notification")
	}

	if err := env.engine.Delivery().ProcessQueue(env.ctx); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	deliveries := env.remote.Deliveries()
	if len(deliveries) != 1 || deliveries[0].Type() != "Accept" || deliveries[0].Path != carol.Path+"/inbox" {
		t.Fatalf("Expected Accept delivered to carol, got %+v", deliveries)
	}
	if deliveries[0].Signature == "" || deliveries[0].Digest == "" {
		t.Error("Delivery was not signed")
	}
}

func TestReceiveFollowAwaitsApproval(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AutoAcceptFollows = false })
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	if err := env.receive(carol, env.followActivity(carol, community)); err != nil {
		t.Fatalf("ReceiveActivity failed: %v", err)
	}
	stored := env.readFollow(carol.URI, community.ActorURI)
	if stored == nil || stored.Accepted() {
		t.Fatalf("Expected pending follow, got %+v", stored)
	}
	msg, ok := env.hub.last(notify.OpFollowRequested)
	if !ok || msg.Recipient != owner.Id {
		t.Errorf("Expected FollowRequested for the owner, got %+v", msg)
	}
	if len(env.queued()) != 0 {
		t.Error("Nothing should be sent before approval")
	}

	follower, err := env.store.ReadActorByURI(env.ctx, carol.URI)
	if err != nil {
		t.Fatalf("ReadActorByURI failed: %v", err)
	}
	if err := env.engine.ApproveFollow(env.ctx, community, follower); err != nil {
		t.Fatalf("ApproveFollow failed: %v", err)
	}
	if !env.readFollow(carol.URI, community.ActorURI).Accepted() {
		t.Error("Follow not accepted after approval")
	}
	queued := env.queued()
	if len(queued) != 1 || queued[0].Type() != "Accept" {
		t.Fatalf("Expected one Accept, got %+v", queued)
	}
	object, _ := queued[0].Activity["object"].(map[string]any)
	if object["id"] != stored.URI {
		t.Errorf("Accept embeds %v, expected %s", object["id"], stored.URI)
	}
}

func TestDenyFollowSendsReject(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AutoAcceptFollows = false })
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	if err := env.receive(carol, env.followActivity(carol, community)); err != nil {
		t.Fatalf("ReceiveActivity failed: %v", err)
	}
	follower, _ := env.store.ReadActorByURI(env.ctx, carol.URI)
	if err := env.engine.DenyFollow(env.ctx, community, follower); err != nil {
		t.Fatalf("DenyFollow failed: %v", err)
	}
	if env.readFollow(carol.URI, community.ActorURI) != nil {
		t.Error("Follow should be removed")
	}
	queued := env.queued()
	if len(queued) != 1 || queued[0].Type() != "Reject" {
		t.Fatalf("Expected one Reject, got %+v", queued)
	}
}

func TestReceiveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	follow := env.followActivity(carol, community)
	for i := 0; i < 3; i++ {
		if err := env.receive(carol, follow); err != nil {
			t.Fatalf("Delivery %d failed: %v", i, err)
		}
	}

	if n := env.hub.count(notify.OpFollowAccepted); n != 1 {
		t.Errorf("Expected the follow to be applied once, got %d", n)
	}
	if n, _ := env.store.CountDeliveries(env.ctx); n != 1 {
		t.Errorf("Expected one Accept queued, got %d", n)
	}
	known, err := env.store.ActivityKnown(env.ctx, follow["id"].(string))
	if err != nil || !known {
		t.Errorf("Expected the follow in the ledger, got %v, %v", known, err)
	}
}

func TestReceiveConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	// Warm the actor cache so every goroutine reaches the ledger.
	if _, err := env.engine.Directory().Resolve(env.ctx, carol.URI, env.engine.NewBudget()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	create := env.pageActivity("Create", carol, community.ActorURI, env.remote.URL("/post/1"), "Tomatoes")
	body, err := json.Marshal(create)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		req := env.signed(carol, body)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.engine.ReceiveActivity(env.ctx, req, body)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent delivery failed: %v", err)
		}
	}
	if n := env.hub.count(notify.OpCreatePost); n != 1 {
		t.Errorf("Expected exactly one application, got %d", n)
	}
	posts, err := env.store.ReadPostsByCommunity(env.ctx, community.Id, 10)
	if err != nil || len(posts) != 1 {
		t.Errorf("Expected one post, got %d (%v)", len(posts), err)
	}
}

func TestReceiveRejectsLocalOrigin(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")
	mallory := env.remote.AddPerson(t, "mallory")

	forged := env.followActivity(carol, community)
	forged["id"] = "https://" + testDomain + "/activities/follow/" + uuid.NewString()

	t.Run("valid signature", func(t *testing.T) {
		err := env.receive(carol, forged)
		if !errors.Is(err, ErrLocalOrigin) {
			t.Errorf("Expected ErrLocalOrigin, got %v", err)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		err := env.receive(mallory, forged)
		if !errors.Is(err, ErrLocalOrigin) {
			t.Errorf("Expected ErrLocalOrigin, got %v", err)
		}
	})

	t.Run("local actor", func(t *testing.T) {
		spoofed := env.followActivity(carol, community)
		spoofed["id"] = "https://" + testDomain + "/activities/follow/" + uuid.NewString()
		spoofed["actor"] = owner.ActorURI
		err := env.receive(carol, spoofed)
		if !errors.Is(err, ErrLocalOrigin) {
			t.Errorf("Expected ErrLocalOrigin, got %v", err)
		}
	})

	for _, host := range []string{testDomain + ":443", testDomain + ".", "LOCAL.example"} {
		t.Run("host "+host, func(t *testing.T) {
			variant := env.followActivity(carol, community)
			variant["id"] = "https://" + host + "/activities/follow/" + uuid.NewString()
			err := env.receive(carol, variant)
			if !errors.Is(err, ErrLocalOrigin) {
				t.Errorf("Expected ErrLocalOrigin, got %v", err)
			}
		})
	}

	if env.readFollow(carol.URI, community.ActorURI) != nil {
		t.Error("Local-origin activity must not take effect")
	}
	known, _ := env.store.ActivityKnown(env.ctx, forged["id"].(string))
	if known {
		t.Error("Local-origin activity must not be recorded")
	}
}

func TestReceiveRejectsReplayedOutboundActivity(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice")
	pets := env.remote.AddCommunity(t, "pets")

	target, err := env.engine.Directory().Resolve(env.ctx, pets.URI, env.engine.NewBudget())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := env.engine.SendFollow(env.ctx, alice, target); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	queued := env.queued()
	if len(queued) != 1 {
		t.Fatalf("Expected one queued Follow, got %d", len(queued))
	}

	// The remote echoes our own Follow back.
	err = env.receive(pets, queued[0].Activity)
	if !errors.Is(err, ErrLocalOrigin) {
		t.Errorf("Expected ErrLocalOrigin, got %v", err)
	}
}

func TestReceiveSignatureIntegrity(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	follow := env.followActivity(carol, community)
	follow["nonce"] = "a"
	body, _ := json.Marshal(follow)

	kindOf := func(err error) SignatureErrorKind {
		t.Helper()
		var sigErr *SignatureError
		if !errors.As(err, &sigErr) {
			t.Fatalf("Expected SignatureError, got %v", err)
		}
		return sigErr.Kind
	}

	t.Run("flipped signature", func(t *testing.T) {
		req := env.signed(carol, body)
		req.Header.Set("Signature", flipSignature(req.Header.Get("Signature")))
		if kind := kindOf(env.engine.ReceiveActivity(env.ctx, req, body)); kind != SignatureMismatch {
			t.Errorf("Expected mismatch, got %v", kind)
		}
	})

	t.Run("flipped body", func(t *testing.T) {
		req := env.signed(carol, body)
		tampered := bytes.Replace(body, []byte(`"nonce":"a"`), []byte(`"nonce":"b"`), 1)
		if kind := kindOf(env.engine.ReceiveActivity(env.ctx, req, tampered)); kind != SignatureMismatch {
			t.Errorf("Expected mismatch, got %v", kind)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", bytes.NewReader(body))
		if kind := kindOf(env.engine.ReceiveActivity(env.ctx, req, body)); kind != SignatureMissing {
			t.Errorf("Expected missing, got %v", kind)
		}
	})

	known, _ := env.store.ActivityKnown(env.ctx, follow["id"].(string))
	if known || env.readFollow(carol.URI, community.ActorURI) != nil {
		t.Error("Unverified activity must leave no trace")
	}

	// The genuine delivery still goes through afterwards.
	if err := env.engine.ReceiveActivity(env.ctx, env.signed(carol, body), body); err != nil {
		t.Fatalf("Genuine delivery failed: %v", err)
	}
}

func TestReceiveFetchBudgetBoundary(t *testing.T) {
	for _, tt := range []struct {
		budget int
		ok     bool
	}{
		{budget: 1, ok: false},
		{budget: 2, ok: true},
	} {
		env := newTestEnv(t, func(o *Options) { o.FetchBudget = tt.budget })
		carol := env.remote.AddPerson(t, "carol")
		pets := env.remote.AddCommunity(t, "pets")

		// Resolving carol and the remote community takes two fetches.
		create := env.pageActivity("Create", carol, pets.URI, env.remote.URL("/post/1"), "Cats")
		err := env.receive(carol, create)

		if tt.ok {
			if err != nil {
				t.Errorf("Budget %d: expected success, got %v", tt.budget, err)
			}
			continue
		}
		if !errors.Is(err, ErrFetchBudgetExceeded) {
			t.Errorf("Budget %d: expected ErrFetchBudgetExceeded, got %v", tt.budget, err)
		}
		if env.remote.Fetches(pets.Path) != 0 {
			t.Errorf("Budget %d: community fetched beyond budget", tt.budget)
		}
		known, _ := env.store.ActivityKnown(env.ctx, create["id"].(string))
		if known {
			t.Errorf("Budget %d: failed activity recorded", tt.budget)
		}
	}
}

func TestReceiveUnsolicitedAccept(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice")
	pets := env.remote.AddCommunity(t, "pets")

	accept := map[string]any{
		"id":    env.remoteID("accept"),
		"type":  "Accept",
		"actor": pets.URI,
		"to":    []string{alice.ActorURI},
		"object": map[string]any{
			"id":     "https://" + testDomain + "/activities/follow/" + uuid.NewString(),
			"type":   "Follow",
			"actor":  alice.ActorURI,
			"object": pets.URI,
		},
	}
	if err := env.receive(pets, accept); !errors.Is(err, ErrUnsolicitedAccept) {
		t.Errorf("Expected ErrUnsolicitedAccept, got %v", err)
	}
}

func TestFollowHandshake(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice")
	bob := env.localActor(domain.ActorPerson, "bob")
	pets := env.remote.AddCommunity(t, "pets")
	other := env.remote.AddCommunity(t, "other")

	target, err := env.engine.Directory().Resolve(env.ctx, pets.URI, env.engine.NewBudget())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	stored, err := env.engine.SendFollow(env.ctx, alice, target)
	if err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	if stored.Accepted() {
		t.Fatal("Follow must stay pending until accepted")
	}
	queued := env.queued()
	if len(queued) != 1 || queued[0].Type() != "Follow" || queued[0].Inbox != pets.Inbox {
		t.Fatalf("Expected Follow queued for pets, got %+v", queued)
	}
	if queued[0].Activity["id"] != stored.URI {
		t.Errorf("Follow id %v differs from stored %s", queued[0].Activity["id"], stored.URI)
	}

	acceptOf := func(to string, followObject string) map[string]any {
		return map[string]any{
			"id":    env.remoteID("accept"),
			"type":  "Accept",
			"actor": pets.URI,
			"to":    []string{to},
			"object": map[string]any{
				"id":     stored.URI,
				"type":   "Follow",
				"actor":  alice.ActorURI,
				"object": followObject,
			},
		}
	}

	t.Run("wrong recipient", func(t *testing.T) {
		err := env.receive(pets, acceptOf(bob.ActorURI, pets.URI))
		if !errors.Is(err, ErrURLMismatch) {
			t.Errorf("Expected ErrURLMismatch, got %v", err)
		}
	})
	t.Run("wrong object", func(t *testing.T) {
		err := env.receive(pets, acceptOf(alice.ActorURI, other.URI))
		if !errors.Is(err, ErrURLMismatch) {
			t.Errorf("Expected ErrURLMismatch, got %v", err)
		}
	})
	if env.readFollow(alice.ActorURI, pets.URI).Accepted() {
		t.Fatal("Mismatched Accept took effect")
	}

	accept := acceptOf(alice.ActorURI, pets.URI)
	if err := env.receive(pets, accept); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !env.readFollow(alice.ActorURI, pets.URI).Accepted() {
		t.Error("Follow not accepted")
	}
	msg, ok := env.hub.last(notify.OpFollowAccepted)
	if !ok || msg.Recipient != alice.Id {
		t.Errorf("Expected FollowAccepted for alice, got %+v", msg)
	}

	t.Run("duplicate accept", func(t *testing.T) {
		if err := env.receive(pets, accept); err != nil {
			t.Fatalf("Redelivered Accept failed: %v", err)
		}
		if !env.readFollow(alice.ActorURI, pets.URI).Accepted() {
			t.Error("Follow must stay accepted")
		}
		if n := env.hub.count(notify.OpFollowAccepted); n != 1 {
			t.Errorf("Expected one FollowAccepted, got %d", n)
		}
	})
	t.Run("accept under a new id", func(t *testing.T) {
		again := acceptOf(alice.ActorURI, pets.URI)
		if err := env.receive(pets, again); err != nil {
			t.Fatalf("Second Accept failed: %v", err)
		}
		if !env.readFollow(alice.ActorURI, pets.URI).Accepted() {
			t.Error("Follow must stay accepted")
		}
		if n := env.hub.count(notify.OpFollowAccepted); n != 1 {
			t.Errorf("Expected one FollowAccepted, got %d", n)
		}
	})

	if err := env.engine.SendUndoFollow(env.ctx, alice, target); err != nil {
		t.Fatalf("SendUndoFollow failed: %v", err)
	}
	if env.readFollow(alice.ActorURI, pets.URI) != nil {
		t.Error("Follow not removed by undo")
	}
	var undo *queuedActivity
	for _, q := range env.queued() {
		if q.Type() == "Undo" {
			undo = &q
		}
	}
	if undo == nil {
		t.Fatal("Expected a queued Undo")
	}
	inner, _ := undo.Activity["object"].(map[string]any)
	if inner["id"] != stored.URI || inner["type"] != "Follow" {
		t.Errorf("Undo must embed the follow, got %v", inner)
	}
}

func TestReceiveRejectRemovesFollow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice")
	pets := env.remote.AddCommunity(t, "pets")
	target, _ := env.engine.Directory().Resolve(env.ctx, pets.URI, env.engine.NewBudget())
	stored, err := env.engine.SendFollow(env.ctx, alice, target)
	if err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	reject := map[string]any{
		"id":    env.remoteID("reject"),
		"type":  "Reject",
		"actor": pets.URI,
		"to":    alice.ActorURI,
		"object": map[string]any{
			"id":     stored.URI,
			"type":   "Follow",
			"actor":  alice.ActorURI,
			"object": pets.URI,
		},
	}
	if err := env.receive(pets, reject); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if env.readFollow(alice.ActorURI, pets.URI) != nil {
		t.Error("Follow not removed by reject")
	}

	reject["id"] = env.remoteID("reject")
	if err := env.receive(pets, reject); !errors.Is(err, ErrUnknownFollow) {
		t.Errorf("Expected ErrUnknownFollow, got %v", err)
	}
}

func TestReceiveUndoFollow(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")
	dave := env.remote.AddPerson(t, "dave")

	follow := env.followActivity(carol, community)
	if err := env.receive(carol, follow); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	undoBy := func(actor *testutil.RemoteActor) map[string]any {
		return map[string]any{
			"id":     env.remoteID("undo"),
			"type":   "Undo",
			"actor":  actor.URI,
			"object": follow,
		}
	}

	if err := env.receive(dave, undoBy(dave)); !errors.Is(err, ErrURLMismatch) {
		t.Errorf("Expected ErrURLMismatch for a foreign undo, got %v", err)
	}
	if env.readFollow(carol.URI, community.ActorURI) == nil {
		t.Fatal("Foreign undo removed the follow")
	}

	if err := env.receive(carol, undoBy(carol)); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if env.readFollow(carol.URI, community.ActorURI) != nil {
		t.Error("Follow not removed")
	}
	if err := env.receive(carol, undoBy(carol)); err != nil {
		t.Errorf("Repeated undo must be a no-op, got %v", err)
	}
}

func TestReceivePageLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")
	dave := env.remote.AddPerson(t, "dave")
	postURI := env.remote.URL("/post/1")

	if err := env.receive(carol, env.pageActivity("Create", carol, community.ActorURI, postURI, "Tomatoes")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	post, err := env.store.ReadPostByURI(env.ctx, postURI)
	if err != nil {
		t.Fatalf("ReadPostByURI failed: %v", err)
	}
	if post.Name != "Tomatoes" || post.Body != "body" || post.CommunityId != community.Id || post.Local {
		t.Errorf("Unexpected post: %+v", post)
	}

	if err := env.receive(carol, env.pageActivity("Update", carol, community.ActorURI, postURI, "Ripe tomatoes")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	post, _ = env.store.ReadPostByURI(env.ctx, postURI)
	if post.Name != "Ripe tomatoes" {
		t.Errorf("Update not applied: %q", post.Name)
	}
	if env.hub.count(notify.OpEditPost) != 1 {
		t.Error("Expected EditPost notification")
	}

	hijack := env.pageActivity("Update", dave, community.ActorURI, postURI, "Hijacked")
	if err := env.receive(dave, hijack); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for a foreign update, got %v", err)
	}

	spoof := env.pageActivity("Update", dave, community.ActorURI, postURI, "Spoofed")
	spoof["object"].(map[string]any)["attributedTo"] = carol.URI
	if err := env.receive(dave, spoof); !errors.Is(err, ErrURLMismatch) {
		t.Errorf("Expected ErrURLMismatch for misattributed object, got %v", err)
	}

	del := map[string]any{"id": env.remoteID("delete"), "type": "Delete", "actor": dave.URI, "object": postURI}
	if err := env.receive(dave, del); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for a foreign delete, got %v", err)
	}
	del = map[string]any{"id": env.remoteID("delete"), "type": "Delete", "actor": carol.URI, "object": postURI}
	if err := env.receive(carol, del); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	post, _ = env.store.ReadPostByURI(env.ctx, postURI)
	if !post.Deleted {
		t.Error("Post not deleted")
	}
}

func TestReceivePageFromBannedCreator(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	actor, err := env.engine.Directory().Resolve(env.ctx, carol.URI, env.engine.NewBudget())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := env.store.CreateCommunityBan(env.ctx, community.Id, actor.Id); err != nil {
		t.Fatalf("CreateCommunityBan failed: %v", err)
	}

	err = env.receive(carol, env.pageActivity("Create", carol, community.ActorURI, env.remote.URL("/post/1"), "Spam"))
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestReceiveChatMessage(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice")
	carol := env.remote.AddPerson(t, "carol")
	pmURI := env.remote.URL("/private_message/1")

	create := map[string]any{
		"id":    env.remoteID("create"),
		"type":  "Create",
		"actor": carol.URI,
		"to":    []string{alice.ActorURI},
		"object": map[string]any{
			"id":           pmURI,
			"type":         "ChatMessage",
			"attributedTo": carol.URI,
			"to":           []string{alice.ActorURI},
			"content":      "hello alice",
		},
	}
	if err := env.receive(carol, create); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	pm, err := env.store.ReadPrivateMessageByURI(env.ctx, pmURI)
	if err != nil {
		t.Fatalf("ReadPrivateMessageByURI failed: %v", err)
	}
	if pm.Content != "hello alice" || pm.RecipientId != alice.Id {
		t.Errorf("Unexpected message: %+v", pm)
	}
	msg, ok := env.hub.last(notify.OpCreatePrivateMessage)
	if !ok || msg.Recipient != alice.Id {
		t.Errorf("Expected notification for alice, got %+v", msg)
	}

	remoteTarget := map[string]any{
		"id":    env.remoteID("create"),
		"type":  "Create",
		"actor": carol.URI,
		"object": map[string]any{
			"id":           env.remote.URL("/private_message/2"),
			"type":         "ChatMessage",
			"attributedTo": carol.URI,
			"to":           []string{carol.URI},
			"content":      "note to self",
		},
	}
	if err := env.receive(carol, remoteTarget); !errors.Is(err, ErrURLMismatch) {
		t.Errorf("Expected ErrURLMismatch for a non-local recipient, got %v", err)
	}
}

func TestReceiveLike(t *testing.T) {
	env := newTestEnv(t)
	owner := env.localActor(domain.ActorPerson, "alice")
	community := env.localCommunity("gardening", owner)
	carol := env.remote.AddPerson(t, "carol")

	post := &domain.Post{
		ObjectURI:   PostURI(testDomain, uuid.New()),
		CreatorId:   owner.Id,
		CommunityId: community.Id,
		Name:        "Tomatoes",
		Local:       true,
		Published:   time.Now(),
	}
	if err := env.store.CreatePost(env.ctx, post); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	like := map[string]any{"id": env.remoteID("like"), "type": "Like", "actor": carol.URI, "object": post.ObjectURI}
	if err := env.receive(carol, like); err != nil {
		t.Fatalf("Like failed: %v", err)
	}
	stored, _ := env.store.ReadPostByURI(env.ctx, post.ObjectURI)
	if n, _ := env.store.CountLikes(env.ctx, stored.Id); n != 1 {
		t.Errorf("Expected one like, got %d", n)
	}

	unknown := map[string]any{"id": env.remoteID("like"), "type": "Like", "actor": carol.URI, "object": PostURI(testDomain, uuid.New())}
	if err := env.receive(carol, unknown); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("Expected ErrUnknownObject, got %v", err)
	}
}
