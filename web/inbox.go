package web

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
)

// inboxStatus maps the result of the inbound pipeline to a response status.
func inboxStatus(err error) int {
	var (
		sigErr   *activitypub.SignatureError
		fetchErr *activitypub.FetchError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, activitypub.ErrLocalOrigin):
		return http.StatusBadRequest
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrMalformedActivity),
		errors.Is(err, activitypub.ErrURLMismatch),
		errors.Is(err, activitypub.ErrUnsolicitedAccept),
		errors.Is(err, activitypub.ErrUnknownFollow),
		errors.Is(err, activitypub.ErrUnknownObject),
		errors.Is(err, activitypub.ErrInvalidActor),
		errors.Is(err, activitypub.ErrFetchBudgetExceeded),
		errors.As(err, &fetchErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c)
}

// handleActorInbox serves /u/:name/inbox and /c/:name/inbox. The addressed
// actor must exist; routing inside the pipeline does not depend on it.
func (s *Server) handleActorInbox(c *gin.Context) {
	if _, err := s.store.ReadLocalActorByName(c.Request.Context(), actorKindOf(c), c.Param("name")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		logger.Error("inbox actor lookup failed", "name", c.Param("name"), "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.receive(c)
}

func (s *Server) receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	err = s.engine.ReceiveActivity(c.Request.Context(), c.Request, body)
	status := inboxStatus(err)
	switch {
	case status == http.StatusOK:
		c.Status(http.StatusOK)
	case status >= http.StatusInternalServerError:
		logger.Error("inbox failed", "path", c.Request.URL.Path, "err", err)
		c.Status(status)
	default:
		logger.Warn("inbox rejected activity", "path", c.Request.URL.Path, "status", status, "err", err)
		c.JSON(status, gin.H{"error": err.Error()})
	}
}

// actorKindOf tells persons (/u/) from communities (/c/) by route.
func actorKindOf(c *gin.Context) domain.ActorKind {
	if strings.HasPrefix(c.FullPath(), "/c/") {
		return domain.ActorCommunity
	}
	return domain.ActorPerson
}
