package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

func TestParsePageParam(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{"empty string", "", 0},
		{"valid page 1", "1", 1},
		{"valid page 5", "5", 5},
		{"invalid string", "abc", 0},
		{"negative number", "-1", 0},
		{"zero", "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParsePageParam(tt.input)
			if result != tt.expected {
				t.Errorf("ParsePageParam(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func getCollection(t *testing.T, env *testEnv, path string) OrderedCollection {
	t.Helper()
	w := env.do(http.MethodGet, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", path, w.Code)
	}
	var coll OrderedCollection
	if err := json.Unmarshal(w.Body.Bytes(), &coll); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return coll
}

func TestCommunityOutbox(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice", nil)
	community := env.localActor(domain.ActorCommunity, "gardening", alice)

	start := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < itemsPerPage+5; i++ {
		p := &domain.Post{
			Id:          uuid.New(),
			CreatorId:   alice.Id,
			CommunityId: community.Id,
			Name:        fmt.Sprintf("Post %d", i),
			Local:       true,
			Published:   start.Add(time.Duration(i) * time.Minute),
		}
		p.ObjectURI = activitypub.PostURI(testDomain, p.Id)
		if err := env.store.CreatePost(env.ctx, p); err != nil {
			t.Fatalf("CreatePost failed: %v", err)
		}
	}

	coll := getCollection(t, env, "/c/gardening/outbox")
	if coll.Type != "OrderedCollection" || coll.ID != community.OutboxURI {
		t.Errorf("Unexpected collection %+v", coll)
	}
	if coll.TotalItems == nil || *coll.TotalItems != itemsPerPage+5 {
		t.Errorf("Expected %d items, got %v", itemsPerPage+5, coll.TotalItems)
	}
	if coll.First != community.OutboxURI+"?page=1" {
		t.Errorf("Unexpected first page %q", coll.First)
	}

	first := getCollection(t, env, "/c/gardening/outbox?page=1")
	if first.Type != "OrderedCollectionPage" || first.PartOf != community.OutboxURI {
		t.Errorf("Unexpected page %+v", first)
	}
	if len(first.OrderedItems) != itemsPerPage || first.Next == "" || first.Prev != "" {
		t.Errorf("Page 1: %d items, next %q, prev %q", len(first.OrderedItems), first.Next, first.Prev)
	}
	newest := first.OrderedItems[0].(map[string]any)
	object := newest["object"].(map[string]any)
	if newest["type"] != "Create" || newest["actor"] != alice.ActorURI || object["type"] != "Page" {
		t.Errorf("Unexpected item %v", newest)
	}
	if object["name"] != fmt.Sprintf("Post %d", itemsPerPage+4) {
		t.Errorf("Expected newest post first, got %v", object["name"])
	}

	second := getCollection(t, env, "/c/gardening/outbox?page=2")
	if len(second.OrderedItems) != 5 || second.Next != "" || second.Prev != community.OutboxURI+"?page=1" {
		t.Errorf("Page 2: %d items, next %q, prev %q", len(second.OrderedItems), second.Next, second.Prev)
	}
}

func TestPersonOutboxIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.localActor(domain.ActorPerson, "alice", nil)

	coll := getCollection(t, env, "/u/alice/outbox")
	if coll.TotalItems == nil || *coll.TotalItems != 0 {
		t.Errorf("Expected an empty outbox, got %+v", coll)
	}
	if page := getCollection(t, env, "/u/alice/outbox?page=1"); len(page.OrderedItems) != 0 {
		t.Errorf("Expected no items, got %d", len(page.OrderedItems))
	}
	if w := env.do(http.MethodGet, "/c/alice/outbox", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestFollowersCollection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localActor(domain.ActorPerson, "alice", nil)
	community := env.localActor(domain.ActorCommunity, "gardening", alice)
	carol := env.remote.AddPerson(t, "carol")

	if w := env.post("/inbox", carol, env.follow(carol, community)); w.Code != http.StatusOK {
		t.Fatalf("Follow failed: %d", w.Code)
	}

	coll := getCollection(t, env, "/c/gardening/followers")
	if coll.ID != community.FollowersURI || coll.TotalItems == nil || *coll.TotalItems != 1 {
		t.Errorf("Unexpected followers %+v", coll)
	}
	if len(coll.OrderedItems) != 0 {
		t.Errorf("Followers must not be listed, got %v", coll.OrderedItems)
	}
	if w := env.do(http.MethodGet, "/u/nobody/followers", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
