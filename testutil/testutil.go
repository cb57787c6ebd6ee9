// Package testutil provides a throwaway database and a fake remote node for
// federation tests.
package testutil

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/util"
)

// TestKeyBits keeps key generation fast in tests.
const TestKeyBits = 1024

// NewDB opens a migrated database in a per-test directory.
func NewDB(t *testing.T) *db.DB {
	t.Helper()
	store, _ := NewDBFile(t)
	return store
}

// NewDBFile is NewDB that also returns the database file path, for tests
// that need a second connection to the same file.
func NewDBFile(t *testing.T) (*db.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agora.db")
	store, err := db.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

// RemoteActor is an actor hosted by a RemoteNode.
type RemoteActor struct {
	Path          string
	URI           string
	Inbox         string
	Type          string
	Name          string
	PublicKeyPem  string
	PrivateKeyPem string
}

func (a *RemoteActor) KeyID() string {
	return a.URI + "#main-key"
}

// PrivateKey parses the actor's signing key.
func (a *RemoteActor) PrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := parsePrivateKey(a.PrivateKeyPem)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	return key
}

// Delivery is one request received by a remote inbox.
type Delivery struct {
	Path      string
	Signature string
	Digest    string
	Body      []byte
}

// Type returns the activity type of the delivered body.
func (d Delivery) Type() string {
	var head struct {
		Type string `json:"type"`
	}
	json.Unmarshal(d.Body, &head)
	return head.Type
}

// RemoteNode is a fake federated server. It serves actor documents, counts
// document fetches, and records everything posted to its inboxes.
type RemoteNode struct {
	Server *httptest.Server

	mu         sync.Mutex
	documents  map[string]map[string]any
	fetches    map[string]int
	deliveries []Delivery
	status     int
}

func NewRemoteNode(t *testing.T) *RemoteNode {
	t.Helper()
	n := &RemoteNode{
		documents: map[string]map[string]any{},
		fetches:   map[string]int{},
		status:    http.StatusAccepted,
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Server.Close)
	return n
}

// URL returns the absolute URL of path on this node.
func (n *RemoteNode) URL(path string) string {
	return n.Server.URL + path
}

// Host returns the host:port of the node, as it appears in its URLs.
func (n *RemoteNode) Host() string {
	return strings.TrimPrefix(n.Server.URL, "http://")
}

// AddPerson hosts a new person with a fresh keypair.
func (n *RemoteNode) AddPerson(t *testing.T, name string) *RemoteActor {
	return n.addActor(t, "Person", "/u/"+name, name)
}

// AddCommunity hosts a new community with a fresh keypair.
func (n *RemoteNode) AddCommunity(t *testing.T, name string) *RemoteActor {
	return n.addActor(t, "Group", "/c/"+name, name)
}

func (n *RemoteNode) addActor(t *testing.T, apType, path, name string) *RemoteActor {
	t.Helper()
	keys, err := util.GeneratePemKeypair(TestKeyBits)
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	a := &RemoteActor{
		Path:          path,
		URI:           n.URL(path),
		Inbox:         n.URL(path + "/inbox"),
		Type:          apType,
		Name:          name,
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
	}
	doc := map[string]any{
		"@context":          []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"id":                a.URI,
		"type":              apType,
		"preferredUsername": name,
		"inbox":             a.Inbox,
		"outbox":            n.URL(path + "/outbox"),
		"publicKey": map[string]any{
			"id":           a.KeyID(),
			"owner":        a.URI,
			"publicKeyPem": a.PublicKeyPem,
		},
	}
	n.mu.Lock()
	n.documents[path] = doc
	n.mu.Unlock()
	return a
}

// SetDocument replaces the served document of path, for tests of invalid
// actors.
func (n *RemoteNode) SetDocument(path string, doc map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.documents[path] = doc
}

// RemoveDocument makes path answer 404.
func (n *RemoteNode) RemoveDocument(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.documents, path)
}

// UseSharedInbox advertises the node's shared inbox in the actor's document.
func (n *RemoteNode) UseSharedInbox(a *RemoteActor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.documents[a.Path]["endpoints"] = map[string]any{"sharedInbox": n.URL("/inbox")}
}

// SetInboxStatus sets the status returned to inbox POSTs.
func (n *RemoteNode) SetInboxStatus(status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = status
}

// Fetches returns how often the document at path was fetched.
func (n *RemoteNode) Fetches(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fetches[path]
}

// Deliveries returns a copy of everything posted to this node's inboxes.
func (n *RemoteNode) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.deliveries...)
}

func (n *RemoteNode) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/inbox") {
		body, _ := io.ReadAll(r.Body)
		n.deliveries = append(n.deliveries, Delivery{
			Path:      r.URL.Path,
			Signature: r.Header.Get("Signature"),
			Digest:    r.Header.Get("Digest"),
			Body:      body,
		})
		w.WriteHeader(n.status)
		return
	}

	doc, ok := n.documents[r.URL.Path]
	if !ok || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	n.fetches[r.URL.Path]++
	w.Header().Set("Content-Type", "application/activity+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		panic(fmt.Sprintf("encode actor document: %v", err))
	}
}

func parsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
