// Package notify fans live updates out to connected clients.
package notify

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var logger = log.WithPrefix("notify")

type Op string

const (
	OpCreatePost           Op = "CreatePost"
	OpEditPost             Op = "EditPost"
	OpDeletePost           Op = "DeletePost"
	OpCreatePrivateMessage Op = "CreatePrivateMessage"
	OpEditPrivateMessage   Op = "EditPrivateMessage"
	OpDeletePrivateMessage Op = "DeletePrivateMessage"
	OpFollowRequested      Op = "FollowRequested"
	OpFollowAccepted       Op = "FollowAccepted"
)

// Message is one notification. A nil Recipient broadcasts to every
// subscriber; otherwise only the recipient's room receives it.
type Message struct {
	Op        Op        `json:"op"`
	Recipient uuid.UUID `json:"-"`
	Payload   any       `json:"data"`
}

type subscriber struct {
	user uuid.UUID
	ch   chan Message
}

// Hub delivers messages to subscribers without ever blocking the publisher.
// Slow subscribers lose messages.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: 32}
}

// Publish is fire-and-forget.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if msg.Recipient != uuid.Nil && msg.Recipient != s.user {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			logger.Debug("dropping notification for slow subscriber", "op", msg.Op, "user", s.user)
		}
	}
}

// Subscribe registers user for broadcasts and messages addressed to them.
// The returned cancel func must be called to release the subscription; it
// closes the channel.
func (h *Hub) Subscribe(user uuid.UUID) (<-chan Message, func()) {
	s := &subscriber{user: user, ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
