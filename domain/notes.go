package domain

import (
	"time"

	"github.com/google/uuid"
)

// Content is a snapshot of a local object handed to the outbound builder.
type Content interface {
	ObjectID() string
}

type Post struct {
	Id          uuid.UUID
	ObjectURI   string
	CreatorId   uuid.UUID
	CommunityId uuid.UUID
	Name        string
	Body        string
	URL         string
	Nsfw        bool
	Deleted     bool
	Removed     bool
	Local       bool
	Published   time.Time
	Updated     *time.Time
}

func (p *Post) ObjectID() string { return p.ObjectURI }

// BlankOutDeletedOrRemoved hides the content of posts that must not be shown.
func (p *Post) BlankOutDeletedOrRemoved() {
	if p.Deleted || p.Removed {
		p.Name = ""
		p.Body = ""
		p.URL = ""
	}
}

type PrivateMessage struct {
	Id          uuid.UUID
	ObjectURI   string
	CreatorId   uuid.UUID
	RecipientId uuid.UUID
	Content     string
	Deleted     bool
	Read        bool
	Local       bool
	Published   time.Time
	Updated     *time.Time
}

func (pm *PrivateMessage) ObjectID() string { return pm.ObjectURI }

func (pm *PrivateMessage) BlankOutDeleted() {
	if pm.Deleted {
		pm.Content = ""
	}
}
