package web

import (
	"errors"
	"net/http"

	"github.com/botpod/botpod/activitypub"
	"github.com/botpod/botpod/domain"
	"github.com/gin-gonic/gin"
)

const apContentType = "application/activity+json; charset=utf-8"

// HandleObject serves a stored object or activity, gated by the read rules:
// the requester is whoever signed the GET, or anonymous without a signature.
func (s *Server) HandleObject(c *gin.Context, uri string) {
	requester, ok := s.requester(c)
	if !ok {
		return
	}

	obj, err := s.db.ReadObject(c.Request.Context(), uri)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if obj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if !s.auth.CanRead(c.Request.Context(), requester, obj) {
		// 404, not 403: existence of a private object is itself private.
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	s.renderDoc(c, obj.Stripped())
}

// HandleObjectCollection serves the summary of one of an object's
// collections (replies, likes, shares), gated by readability of the object
// itself.
func (s *Server) HandleObjectCollection(c *gin.Context, objectURI, collection string) {
	switch collection {
	case domain.Replies, domain.Likes, domain.Shares:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	requester, ok := s.requester(c)
	if !ok {
		return
	}

	obj, err := s.db.ReadObject(c.Request.Context(), objectURI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if obj == nil || !s.auth.CanRead(c.Request.Context(), requester, obj) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	total, err := s.db.CountMembers(c.Request.Context(), objectURI, collection)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	s.renderDoc(c, collectionSummary(s.uris.ObjectCollection(objectURI, collection), total, nil))
}

// HandleActorCollection serves the summary of a bot's outbox, followers or
// following collection. Follower and following members are listed; the
// outbox exposes only its size.
func (s *Server) HandleActorCollection(c *gin.Context, collection string) {
	username := c.Param("actor")

	exists, err := s.db.BotExists(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}

	total, err := s.db.CountMembers(c.Request.Context(), username, collection)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	var items []string
	if collection == domain.Followers || collection == domain.Following {
		items, err = s.db.ReadMembers(c.Request.Context(), username, collection, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}
	}

	s.renderDoc(c, collectionSummary(s.uris.Collection(username, collection), total, items))
}

func collectionSummary(uri string, total int, items []string) domain.Document {
	doc := domain.Document{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         uri,
		"type":       "OrderedCollection",
		"totalItems": total,
	}
	if items != nil {
		doc["orderedItems"] = items
	}
	return doc
}

// requester resolves the identity behind a GET: the verified signer when a
// Signature header is present, anonymous otherwise. A present but invalid
// signature is rejected, not downgraded to anonymous.
func (s *Server) requester(c *gin.Context) (string, bool) {
	if c.Request.Header.Get("Signature") == "" {
		return "", true
	}

	signer, err := s.verifier.Verify(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, activitypub.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failure"})
		}
		return "", false
	}
	return signer, true
}

func (s *Server) renderDoc(c *gin.Context, doc domain.Document) {
	raw, err := doc.Marshal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render failure"})
		return
	}
	c.Data(http.StatusOK, apContentType, raw)
}
