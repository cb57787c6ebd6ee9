package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
}

func renderActivityJSON(c *gin.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal document failed", "path", c.Request.URL.Path, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activityContentType, data)
}

// handleActor serves the document of a local person (/u/:name) or
// community (/c/:name).
func (s *Server) handleActor(c *gin.Context) {
	actor, ok := s.localActorOr404(c)
	if !ok {
		return
	}
	renderActivityJSON(c, activitypub.NewActorDocument(actor))
}

// handlePost serves a local post as a Page.
func (s *Server) handlePost(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	post, err := s.store.ReadPostById(ctx, id)
	if err != nil || !post.Local || post.Deleted || post.Removed {
		notFound(c)
		return
	}
	creator, err := s.store.ReadActorById(ctx, post.CreatorId)
	if err != nil {
		notFound(c)
		return
	}
	community, err := s.store.ReadActorById(ctx, post.CommunityId)
	if err != nil {
		notFound(c)
		return
	}
	page := activitypub.PageObject(creator, community, post)
	page.Context = activitypub.ContextActivityStreams
	renderActivityJSON(c, page)
}

// handleActivity serves the stored JSON of an activity built by this node.
// Remote activities and sensitive ones (private messages) are not served.
func (s *Server) handleActivity(c *gin.Context) {
	uri := fmt.Sprintf("https://%s/activities/%s/%s", s.engine.LocalDomain(), c.Param("type"), c.Param("id"))
	activity, err := s.store.ReadActivityByURI(c.Request.Context(), uri)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logger.Error("read activity failed", "uri", uri, "err", err)
		}
		notFound(c)
		return
	}
	if !activity.Local || activity.Sensitive {
		notFound(c)
		return
	}
	c.Data(http.StatusOK, activityContentType, []byte(activity.RawJSON))
}
