package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/crud"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/testutil"
	"github.com/deemkeen/agora/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testDomain = "local.example"

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	store   *db.DB
	engine  *activitypub.Engine
	hub     *notify.Hub
	remote  *testutil.RemoteNode
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T, configure ...func(*util.AppConfig)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Conf.MaxBodyBytes = 1 << 20
	conf.Conf.InboxRateLimit = 1000
	conf.Conf.InboxBurst = 1000
	conf.Conf.AutoAcceptFollows = true
	conf.Conf.FetchBudget = 25
	conf.Conf.ActorCacheTTL = time.Hour
	conf.Conf.DeliveryInterval = time.Hour
	for _, f := range configure {
		f(conf)
	}

	store := testutil.NewDB(t)
	remote := testutil.NewRemoteNode(t)
	hub := notify.NewHub()
	opts := activitypub.OptionsFromConfig(conf)
	opts.HTTPClient = remote.Server.Client()
	engine := activitypub.NewEngine(store, hub, opts)
	server := NewServer(conf, engine, crud.NewService(engine, hub, nil), hub)

	return &testEnv{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		engine:  engine,
		hub:     hub,
		remote:  remote,
		server:  server,
		handler: server.Handler(),
	}
}

func (env *testEnv) localActor(kind domain.ActorKind, name string, owner *domain.Actor) *domain.Actor {
	env.t.Helper()
	a, err := activitypub.NewLocalActor(testDomain, kind, name, testutil.TestKeyBits)
	if err != nil {
		env.t.Fatalf("NewLocalActor failed: %v", err)
	}
	if kind == domain.ActorPerson {
		a.TokenHash = util.TokenHash(name + "-token")
	}
	if owner != nil {
		a.OwnerId = owner.Id
	}
	if err := env.store.CreateLocalActor(env.ctx, a); err != nil {
		env.t.Fatalf("CreateLocalActor failed: %v", err)
	}
	return a
}

func (env *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	env.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) doJSON(method, path string, v any) *httptest.ResponseRecorder {
	env.t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		env.t.Fatalf("Marshal failed: %v", err)
	}
	return env.do(method, path, body)
}

// post sends a signed activity from a remote actor to an inbox path.
func (env *testEnv) post(path string, from *testutil.RemoteActor, activity map[string]any) *httptest.ResponseRecorder {
	env.t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		env.t.Fatalf("Marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	if err := activitypub.SignRequest(req, body, from.PrivateKey(env.t), from.KeyID()); err != nil {
		env.t.Fatalf("SignRequest failed: %v", err)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *testEnv) follow(from *testutil.RemoteActor, target *domain.Actor) map[string]any {
	return map[string]any{
		"@context": activitypub.ContextActivityStreams,
		"id":       env.remote.URL("/activities/follow/" + uuid.NewString()),
		"type":     "Follow",
		"actor":    from.URI,
		"object":   target.ActorURI,
	}
}

// deliveredActivity drains the queue and returns the last delivered
// activity of the given type.
func (env *testEnv) deliveredActivity(kind string) map[string]any {
	env.t.Helper()
	if err := env.engine.Delivery().ProcessQueue(env.ctx); err != nil {
		env.t.Fatalf("ProcessQueue failed: %v", err)
	}
	deliveries := env.remote.Deliveries()
	for i := len(deliveries) - 1; i >= 0; i-- {
		if deliveries[i].Type() == kind {
			var activity map[string]any
			if err := json.Unmarshal(deliveries[i].Body, &activity); err != nil {
				env.t.Fatalf("Unmarshal failed: %v", err)
			}
			return activity
		}
	}
	env.t.Fatalf("No %s delivered", kind)
	return nil
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "https://"+testDomain)
}
