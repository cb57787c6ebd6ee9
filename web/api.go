package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/agora/crud"
	"github.com/gin-gonic/gin"
)

const eventKeepAlive = 30 * time.Second

// apiError maps a crud error to a status and the code returned to clients.
func apiError(err error) (int, string) {
	codes := []struct {
		err    error
		status int
	}{
		{crud.ErrNotLoggedIn, http.StatusUnauthorized},
		{crud.ErrNotPostCreator, http.StatusForbidden},
		{crud.ErrNotPrivateMessageCreator, http.StatusForbidden},
		{crud.ErrNotCommunityOwner, http.StatusForbidden},
		{crud.ErrBannedFromCommunity, http.StatusForbidden},
		{crud.ErrCouldntFindPost, http.StatusNotFound},
		{crud.ErrCouldntFindPrivateMessage, http.StatusNotFound},
		{crud.ErrCouldntFindCommunity, http.StatusNotFound},
		{crud.ErrInvalidPostTitle, http.StatusBadRequest},
		{crud.ErrPostTitleTooLong, http.StatusBadRequest},
		{crud.ErrSlurs, http.StatusBadRequest},
		{crud.ErrCouldntUpdatePost, http.StatusInternalServerError},
		{crud.ErrCouldntUpdatePrivateMessage, http.StatusInternalServerError},
		{crud.ErrCommunityFollowerError, http.StatusInternalServerError},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status, c.err.Error()
		}
	}
	return http.StatusInternalServerError, "unknown_error"
}

func respondAPIError(c *gin.Context, err error) {
	status, code := apiError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("api request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, gin.H{"error": code})
}

// bearerToken falls back to the Authorization header when the body carries
// no auth field.
func bearerToken(c *gin.Context, auth string) string {
	if auth != "" {
		return auth
	}
	token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	return token
}

func (s *Server) handleEditPost(c *gin.Context) {
	var form crud.EditPost
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form.Auth = bearerToken(c, form.Auth)
	post, err := s.crud.EditPost(c.Request.Context(), form)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": post})
}

func (s *Server) handleEditPrivateMessage(c *gin.Context) {
	var form crud.EditPrivateMessage
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form.Auth = bearerToken(c, form.Auth)
	pm, err := s.crud.EditPrivateMessage(c.Request.Context(), form)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"private_message": pm})
}

func (s *Server) handleFollowCommunity(c *gin.Context) {
	var form crud.FollowCommunity
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form.Auth = bearerToken(c, form.Auth)
	res, err := s.crud.FollowCommunity(c.Request.Context(), form)
	if err != nil {
		respondAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDecideFollower(c *gin.Context) {
	var form crud.DecideFollower
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form.Auth = bearerToken(c, form.Auth)
	if err := s.crud.DecideFollower(c.Request.Context(), form); err != nil {
		respondAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": form.Approve})
}

// handleEvents streams the notifications of the authenticated user as
// server-sent events until the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := s.crud.Authenticate(ctx, bearerToken(c, c.Query("token")))
	if err != nil {
		respondAPIError(c, err)
		return
	}

	events, cancel := s.hub.Subscribe(user.Id)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	logger.Debug("event stream opened", "user", user.Username)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("event stream closed", "user", user.Username)
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(msg.Op), msg)
			c.Writer.Flush()
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}
