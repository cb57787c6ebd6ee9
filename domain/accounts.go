package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ActorKind string

const (
	ActorPerson    ActorKind = "Person"
	ActorCommunity ActorKind = "Community"
)

// APType is the ActivityStreams type published for this kind of actor.
func (k ActorKind) APType() string {
	if k == ActorCommunity {
		return "Group"
	}
	return "Person"
}

// ActorKindFromAPType maps an ActivityStreams actor type onto the kinds this
// node understands. Services and applications are treated as persons.
func ActorKindFromAPType(t string) (ActorKind, bool) {
	switch t {
	case "Group":
		return ActorCommunity, true
	case "Person", "Service", "Application":
		return ActorPerson, true
	}
	return "", false
}

// Actor is a person or community, local or cached from a remote node.
type Actor struct {
	Id             uuid.UUID
	ActorURI       string
	Kind           ActorKind
	Username       string
	Domain         string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	PublicKeyPem   string
	PrivateKeyPem  string // local actors only
	TokenHash      string // local persons only
	OwnerId        uuid.UUID
	Local          bool
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// DeliveryInbox prefers the shared inbox of the actor's node.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

func (a *Actor) Handle() string {
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

func (a *Actor) IsCommunity() bool {
	return a.Kind == ActorCommunity
}

// CommunityBan bars a person from posting or editing in a community.
type CommunityBan struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	PersonId    uuid.UUID
	CreatedAt   time.Time
}
