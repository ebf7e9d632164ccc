package web

import (
	"errors"
	"net/http"

	"github.com/botpod/botpod/activitypub"
	"github.com/botpod/botpod/domain"
	"github.com/gin-gonic/gin"
)

// HandleInbox accepts a delivery for one bot: verify the signature, pin the
// activity to the signer, then hand it to the processor. 202 means accepted
// for processing, not that the activity had any effect.
func (s *Server) HandleInbox(c *gin.Context) {
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

	activity, ok := s.readActivity(c)
	if !ok {
		return
	}

	if err := s.processor.Handle(c.Request.Context(), username, activity); err != nil {
		s.log.Error("inbox processing failed", "user", username, "type", activity.Type(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failure"})
		return
	}

	c.Status(http.StatusAccepted)
}

// HandleSharedInbox accepts a delivery addressed to any of this instance's
// bots and routes it to every local bot the addressing names. A delivery
// naming no local bot is still acknowledged; silently dropping is kinder to
// the sender's retry queue than a 4xx it cannot act on.
func (s *Server) HandleSharedInbox(c *gin.Context) {
	activity, ok := s.readActivity(c)
	if !ok {
		return
	}

	targets := s.localTargets(c, activity)
	if len(targets) == 0 {
		s.log.Info("shared inbox delivery names no local bot", "type", activity.Type(), "actor", activity.Actor())
		c.Status(http.StatusAccepted)
		return
	}

	for _, username := range targets {
		if err := s.processor.Handle(c.Request.Context(), username, activity); err != nil {
			s.log.Error("inbox processing failed", "user", username, "type", activity.Type(), "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failure"})
			return
		}
	}

	c.Status(http.StatusAccepted)
}

// readActivity verifies the request signature, parses the body and checks
// that the activity's actor is the actor that signed it. Writes the error
// response itself when it returns !ok.
func (s *Server) readActivity(c *gin.Context) (domain.Document, bool) {
	signer, err := s.verifier.Verify(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, activitypub.ErrUnauthorized) {
			s.log.Info("rejected inbox delivery", "err", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failure"})
		}
		return nil, false
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return nil, false
	}

	activity, err := domain.ParseDocument(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed activity"})
		return nil, false
	}

	// The signature only authenticates the signer; the activity must not
	// claim a different actor.
	if activity.Actor() != signer {
		s.log.Info("actor does not match signer", "actor", activity.Actor(), "signer", signer)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "actor does not match signature"})
		return nil, false
	}

	return activity, true
}

// localTargets extracts the local bot usernames a delivery addresses, in
// order: explicit recipients, the activity's object (Follow, Block and Undo
// address the bot there), then the object's owner for reactions and replies.
func (s *Server) localTargets(c *gin.Context, activity domain.Document) []string {
	var targets []string
	seen := make(map[string]struct{})
	add := func(uri string) {
		username := s.uris.ExtractUsername(uri)
		if username == "" {
			return
		}
		if _, ok := seen[username]; ok {
			return
		}
		exists, err := s.db.BotExists(c.Request.Context(), username)
		if err != nil || !exists {
			return
		}
		seen[username] = struct{}{}
		targets = append(targets, username)
	}

	for _, recipient := range activity.Recipients() {
		add(recipient)
	}
	for _, recipient := range activity.BlindRecipients() {
		add(recipient)
	}
	add(activity.FirstRef("object"))

	if objectID := activity.FirstRef("object"); objectID != "" && s.uris.IsLocal(objectID) {
		if obj, err := s.db.ReadObject(c.Request.Context(), objectID); err == nil && obj != nil {
			add(activitypub.OwnerOf(obj))
		}
	}

	return targets
}
