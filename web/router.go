package web

import (
	"log/slog"
	"net/http"

	"github.com/botpod/botpod/activitypub"
	"github.com/botpod/botpod/db"
	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// Server wires the federation core into HTTP handlers.
type Server struct {
	conf      *util.AppConfig
	db        *db.DB
	uris      util.URIs
	verifier  *activitypub.Verifier
	processor *activitypub.Processor
	auth      *activitypub.Authorizer
	log       *slog.Logger
}

func NewServer(conf *util.AppConfig, database *db.DB, uris util.URIs,
	verifier *activitypub.Verifier, processor *activitypub.Processor,
	auth *activitypub.Authorizer, log *slog.Logger) *Server {
	return &Server{
		conf:      conf,
		db:        database,
		uris:      uris,
		verifier:  verifier,
		processor: processor,
		auth:      auth,
		log:       log,
	}
}

// Router builds the gin engine with all federation routes.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox deliveries: 5 req/sec per IP
	inboxLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))

	// Max 1MB request body size for inbox deliveries
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		resource := c.Query("resource")
		resp, err := ResolveWebfinger(c.Request.Context(), s.db, s.uris, resource)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		c.JSON(http.StatusOK, resp)
	})

	g.GET("/actor", func(c *gin.Context) {
		doc, err := InstanceActorDoc(c.Request.Context(), s.db, s.uris)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.renderDoc(c, doc)
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		doc, err := ActorDoc(c.Request.Context(), s.db, s.uris, c.Param("actor"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.renderDoc(c, doc)
	})

	g.POST("/inbox", inboxLimiter, maxBodySize, s.HandleSharedInbox)
	g.POST("/users/:actor/inbox", inboxLimiter, maxBodySize, s.HandleInbox)

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		s.HandleActorCollection(c, domain.OutboxCollection)
	})
	g.GET("/users/:actor/followers", func(c *gin.Context) {
		s.HandleActorCollection(c, domain.Followers)
	})
	g.GET("/users/:actor/following", func(c *gin.Context) {
		s.HandleActorCollection(c, domain.Following)
	})

	g.GET("/objects/:id", func(c *gin.Context) {
		s.HandleObject(c, s.uris.Object(c.Param("id")))
	})
	g.GET("/objects/:id/:collection", func(c *gin.Context) {
		s.HandleObjectCollection(c, s.uris.Object(c.Param("id")), c.Param("collection"))
	})
	g.GET("/activities/:id", func(c *gin.Context) {
		s.HandleObject(c, s.uris.Activity(c.Param("id")))
	})

	g.GET("/feed/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := GetRSS(c.Request.Context(), s.db, s.uris, c.Param("actor"))
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
			return
		}
		c.Render(http.StatusOK, render.String{Format: rss})
	})

	return g
}
