package activitypub

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentTypeActivity    = "application/activity+json"
)

// URL layout of local objects:
//
//	https://{domain}/u/{name}                 person
//	https://{domain}/c/{name}                 community
//	https://{domain}/inbox                    shared inbox
//	https://{domain}/post/{uuid}              post
//	https://{domain}/private_message/{uuid}   private message
//	https://{domain}/activities/{type}/{uuid} activity

func ActorURI(localDomain string, kind domain.ActorKind, name string) string {
	segment := "u"
	if kind == domain.ActorCommunity {
		segment = "c"
	}
	return fmt.Sprintf("https://%s/%s/%s", localDomain, segment, name)
}

func SharedInboxURI(localDomain string) string {
	return fmt.Sprintf("https://%s/inbox", localDomain)
}

func PostURI(localDomain string, id uuid.UUID) string {
	return fmt.Sprintf("https://%s/post/%s", localDomain, id)
}

func PrivateMessageURI(localDomain string, id uuid.UUID) string {
	return fmt.Sprintf("https://%s/private_message/%s", localDomain, id)
}

// NewActivityURI mints a fresh activity id. The type segment is lower case,
// so an Update is served at /activities/update/{uuid}.
func NewActivityURI(localDomain, activityType string) string {
	return fmt.Sprintf("https://%s/activities/%s/%s", localDomain, strings.ToLower(activityType), uuid.New())
}

// NewLocalActor builds a local person or community with a fresh keypair and
// all endpoint URLs filled in. The caller stores it.
func NewLocalActor(localDomain string, kind domain.ActorKind, name string, keyBits int) (*domain.Actor, error) {
	keys, err := util.GeneratePemKeypair(keyBits)
	if err != nil {
		return nil, err
	}
	uri := ActorURI(localDomain, kind, name)
	return &domain.Actor{
		Id:             uuid.New(),
		ActorURI:       uri,
		Kind:           kind,
		Username:       name,
		Domain:         localDomain,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: SharedInboxURI(localDomain),
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		PublicKeyPem:   keys.Public,
		PrivateKeyPem:  keys.Private,
		Local:          true,
	}, nil
}

// hostOf returns the canonical host of uri: lower-cased, without a trailing
// dot, with the port kept only when it is not the scheme's default. It
// returns "" if uri is not an absolute URL.
func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	switch port := u.Port(); {
	case port == "":
	case u.Scheme == "https" && port == "443", u.Scheme == "http" && port == "80":
	default:
		return net.JoinHostPort(host, port)
	}
	return host
}

func isAbsoluteHTTP(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// verifyDomainsMatch fails unless both URLs live on the same host.
func verifyDomainsMatch(a, b string) error {
	ha := hostOf(a)
	if ha == "" || ha != hostOf(b) {
		return fmt.Errorf("%w: %s and %s are on different hosts", ErrURLMismatch, a, b)
	}
	return nil
}

func verifyURLsMatch(a, b string) error {
	if a == "" || a != b {
		return fmt.Errorf("%w: expected %s, got %s", ErrURLMismatch, a, b)
	}
	return nil
}
