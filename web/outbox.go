package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const itemsPerPage = 20

// OrderedCollection is the outbox or followers collection of an actor, or a
// page of one.
type OrderedCollection struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   *int   `json:"totalItems,omitempty"`
	First        string `json:"first,omitempty"`
	PartOf       string `json:"partOf,omitempty"`
	Next         string `json:"next,omitempty"`
	Prev         string `json:"prev,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
}

// ParsePageParam extracts the page parameter from a query string. Zero asks
// for the collection itself.
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}

// handleOutbox serves /u/:name/outbox and /c/:name/outbox. Only communities
// publish posts, so a person's outbox is always empty.
func (s *Server) handleOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	actor, ok := s.localActorOr404(c)
	if !ok {
		return
	}

	total := 0
	if actor.Kind == domain.ActorCommunity {
		n, err := s.store.CountPosts(ctx, actor.Id)
		if err != nil {
			logger.Error("count posts failed", "community", actor.ActorURI, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		total = n
	}

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		renderActivityJSON(c, OrderedCollection{
			Context:    activitypub.ContextActivityStreams,
			ID:         actor.OutboxURI,
			Type:       "OrderedCollection",
			TotalItems: &total,
			First:      fmt.Sprintf("%s?page=1", actor.OutboxURI),
		})
		return
	}

	collectionPage := OrderedCollection{
		Context: activitypub.ContextActivityStreams,
		ID:      fmt.Sprintf("%s?page=%d", actor.OutboxURI, page),
		Type:    "OrderedCollectionPage",
		PartOf:  actor.OutboxURI,
	}
	if page > 1 {
		collectionPage.Prev = fmt.Sprintf("%s?page=%d", actor.OutboxURI, page-1)
	}
	if actor.Kind == domain.ActorCommunity {
		// One extra row tells whether another page follows.
		posts, err := s.store.ReadPostsPage(ctx, actor.Id, itemsPerPage+1, (page-1)*itemsPerPage)
		if err != nil {
			logger.Error("read outbox page failed", "community", actor.ActorURI, "page", page, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if len(posts) > itemsPerPage {
			posts = posts[:itemsPerPage]
			collectionPage.Next = fmt.Sprintf("%s?page=%d", actor.OutboxURI, page+1)
		}
		collectionPage.OrderedItems = s.postActivities(ctx, actor, posts)
	}
	renderActivityJSON(c, collectionPage)
}

// postActivities wraps posts in the Create activities their community
// announced them with. Posts whose creator cannot be read are skipped.
func (s *Server) postActivities(ctx context.Context, community *domain.Actor, posts []domain.Post) []any {
	creators := make(map[uuid.UUID]*domain.Actor)
	activities := make([]any, 0, len(posts))
	for i := range posts {
		p := &posts[i]
		creator, ok := creators[p.CreatorId]
		if !ok {
			var err error
			creator, err = s.store.ReadActorById(ctx, p.CreatorId)
			if err != nil {
				logger.Warn("skipping post without creator", "post", p.ObjectURI, "err", err)
				continue
			}
			creators[p.CreatorId] = creator
		}
		activities = append(activities, activitypub.CreateOrUpdate{
			ActivityCommon: activitypub.ActivityCommon{
				ID:    p.ObjectURI + "#create",
				Type:  "Create",
				Actor: creator.ActorURI,
				To:    activitypub.URIList{community.ActorURI},
				Cc:    activitypub.URIList{activitypub.PublicCollection},
			},
			Object: activitypub.PageObject(creator, community, p),
		})
	}
	return activities
}

// handleFollowers serves /u/:name/followers and /c/:name/followers. Only the
// count of accepted followers is published.
func (s *Server) handleFollowers(c *gin.Context) {
	actor, ok := s.localActorOr404(c)
	if !ok {
		return
	}
	followers, err := s.store.ReadFollowers(c.Request.Context(), actor.Id, domain.FollowAccepted)
	if err != nil {
		logger.Error("read followers failed", "actor", actor.ActorURI, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	total := len(followers)
	renderActivityJSON(c, OrderedCollection{
		Context:    activitypub.ContextActivityStreams,
		ID:         actor.FollowersURI,
		Type:       "OrderedCollection",
		TotalItems: &total,
	})
}

func (s *Server) localActorOr404(c *gin.Context) (*domain.Actor, bool) {
	actor, err := s.store.ReadLocalActorByName(c.Request.Context(), actorKindOf(c), c.Param("name"))
	if errors.Is(err, db.ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		logger.Error("read actor failed", "name", c.Param("name"), "err", err)
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return actor, true
}
