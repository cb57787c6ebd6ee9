package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const feedSize = 50

// CommunityFeed renders the posts of a community as RSS. creators maps
// creator ids to display handles.
func CommunityFeed(community *domain.Actor, posts []domain.Post, creators map[uuid.UUID]string) (string, error) {
	title := community.DisplayName
	if title == "" {
		title = community.Username
	}
	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: community.ActorURI},
		Description: community.Summary,
		Created:     community.CreatedAt,
	}
	if len(posts) > 0 {
		feed.Updated = posts[0].Published
	}

	for _, p := range posts {
		link := p.URL
		if link == "" {
			link = p.ObjectURI
		}
		item := &feeds.Item{
			Id:          p.ObjectURI,
			Title:       p.Name,
			Link:        &feeds.Link{Href: link},
			Description: util.MarkdownLinksToHTML(p.Body),
			Author:      &feeds.Author{Name: creators[p.CreatorId]},
			Created:     p.Published,
		}
		if p.Updated != nil {
			item.Updated = *p.Updated
		}
		feed.Items = append(feed.Items, item)
	}
	return feed.ToRss()
}

func (s *Server) creatorHandles(ctx context.Context, posts []domain.Post) map[uuid.UUID]string {
	handles := make(map[uuid.UUID]string)
	for _, p := range posts {
		if _, ok := handles[p.CreatorId]; ok {
			continue
		}
		creator, err := s.store.ReadActorById(ctx, p.CreatorId)
		if err != nil {
			handles[p.CreatorId] = ""
			continue
		}
		handles[p.CreatorId] = creator.Handle()
	}
	return handles
}

// handleCommunityFeed serves /feeds/c/:name.
func (s *Server) handleCommunityFeed(c *gin.Context) {
	ctx := c.Request.Context()
	community, err := s.store.ReadLocalActorByName(ctx, domain.ActorCommunity, c.Param("name"))
	if errors.Is(err, db.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("read community failed", "name", c.Param("name"), "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	posts, err := s.store.ReadPostsByCommunity(ctx, community.Id, feedSize)
	if err != nil {
		logger.Error("read posts failed", "community", community.ActorURI, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	rss, err := CommunityFeed(community, posts, s.creatorHandles(ctx, posts))
	if err != nil {
		logger.Error("render feed failed", "community", community.ActorURI, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "max-age=300")
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
