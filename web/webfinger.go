package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

type WebFingerLink struct {
	Rel        string            `json:"rel"`
	Type       string            `json:"type,omitempty"`
	Href       string            `json:"href,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// parseAcct splits acct:name@domain. A leading "!" (community mention
// syntax) is dropped.
func parseAcct(resource string) (name, host string, ok bool) {
	acct, found := strings.CutPrefix(resource, "acct:")
	if !found {
		return "", "", false
	}
	acct = strings.TrimPrefix(acct, "!")
	name, host, found = strings.Cut(acct, "@")
	if !found || name == "" || host == "" {
		return "", "", false
	}
	return name, strings.ToLower(host), true
}

// handleWebfinger answers acct lookups for local persons and communities.
// When a person and a community share a name both are listed.
func (s *Server) handleWebfinger(c *gin.Context) {
	name, host, ok := parseAcct(c.Query("resource"))
	if !ok || host != s.engine.LocalDomain() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	resp := WebFingerResponse{Subject: "acct:" + name + "@" + host}
	for _, kind := range []domain.ActorKind{domain.ActorPerson, domain.ActorCommunity} {
		actor, err := s.store.ReadLocalActorByName(c.Request.Context(), kind, name)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Error("webfinger lookup failed", "name", name, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		resp.Links = append(resp.Links, WebFingerLink{
			Rel:        "self",
			Type:       activitypub.ContentTypeActivity,
			Href:       actor.ActorURI,
			Properties: map[string]string{"https://www.w3.org/ns/activitystreams#type": kind.APType()},
		})
	}
	if len(resp.Links) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	c.Header("Content-Type", jrdContentType)
	c.JSON(http.StatusOK, resp)
}
