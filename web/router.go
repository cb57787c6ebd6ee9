package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/crud"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/notify"
	"github.com/deemkeen/agora/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

var logger = log.WithPrefix("web")

const activityContentType = activitypub.ContentTypeActivity + "; charset=utf-8"

// Server is the HTTP boundary of the node.
type Server struct {
	conf         *util.AppConfig
	engine       *activitypub.Engine
	store        *db.DB
	crud         *crud.Service
	hub          *notify.Hub
	inboxLimiter *RateLimiter
	apiLimiter   *RateLimiter
}

func NewServer(conf *util.AppConfig, engine *activitypub.Engine, service *crud.Service, hub *notify.Hub) *Server {
	return &Server{
		conf:         conf,
		engine:       engine,
		store:        engine.Store(),
		crud:         service,
		hub:          hub,
		inboxLimiter: NewRateLimiter(rate.Limit(conf.Conf.InboxRateLimit), conf.Conf.InboxBurst),
		apiLimiter:   NewRateLimiter(rate.Limit(10), 20),
	}
}

// Handler builds the gin engine with every route of the node.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())

	inbox := g.Group("/",
		RateLimitMiddleware(s.inboxLimiter),
		MaxBytesMiddleware(s.conf.Conf.MaxBodyBytes),
	)
	inbox.POST("/inbox", s.handleSharedInbox)
	inbox.POST("/u/:name/inbox", s.handleActorInbox)
	inbox.POST("/c/:name/inbox", s.handleActorInbox)

	// Everything that answers GETs is compressed. The event stream is
	// registered outside so that events are flushed as they happen.
	read := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	read.GET("/u/:name", s.handleActor)
	read.GET("/c/:name", s.handleActor)
	read.GET("/u/:name/outbox", s.handleOutbox)
	read.GET("/c/:name/outbox", s.handleOutbox)
	read.GET("/u/:name/followers", s.handleFollowers)
	read.GET("/c/:name/followers", s.handleFollowers)
	read.GET("/post/:id", s.handlePost)
	read.GET("/activities/:type/:id", s.handleActivity)
	read.GET("/.well-known/webfinger", s.handleWebfinger)
	read.GET("/feeds/c/:name", s.handleCommunityFeed)

	api := g.Group("/api/v1", RateLimitMiddleware(s.apiLimiter), MaxBytesMiddleware(s.conf.Conf.MaxBodyBytes))
	api.PUT("/post", s.handleEditPost)
	api.PUT("/private_message", s.handleEditPrivateMessage)
	api.POST("/community/follow", s.handleFollowCommunity)
	api.POST("/community/follower", s.handleDecideFollower)
	api.GET("/events", s.handleEvents)

	return g
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.inboxLimiter.Cleanup(ctx)
	go s.apiLimiter.Cleanup(ctx)

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", srv.Addr, "domain", s.conf.Conf.SslDomain)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("stopping http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
