package domain

import (
	"time"

	"github.com/google/uuid"
)

type FollowState string

const (
	FollowRequested FollowState = "Requested"
	FollowAccepted  FollowState = "Accepted"
)

// Follow is the relationship between a follower and a followed actor. URI is
// the id of the Follow activity that created it.
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	TargetId   uuid.UUID
	URI        string
	State      FollowState
	CreatedAt  time.Time
}

func (f *Follow) Accepted() bool {
	return f.State == FollowAccepted
}

// Like is a vote on a post.
type Like struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	PostId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Activity is a row of the activity log. Inbound rows double as the
// deduplication ledger, keyed by ActivityURI.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Local        bool
	Sensitive    bool
	CreatedAt    time.Time
}

// DeliveryQueueItem is a pending signed POST of an activity to one inbox.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActorId      uuid.UUID // local actor whose key signs the request
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
