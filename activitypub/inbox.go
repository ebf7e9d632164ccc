package activitypub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// Processor applies the side effects of inbound activities for a local bot:
// cache writes, collection mutations, and reactive outbound activities.
//
// Guards are existence checks, never exceptions: a malformed or malicious
// activity must not be able to crash or stall the processor, so every
// failed guard is a logged no-op. Errors returned from handlers are real
// storage failures only.
type Processor struct {
	store Store
	cache *ObjectCache
	dist  Distributor
	auth  *Authorizer
	uris  util.URIs
	log   *slog.Logger
}

func NewProcessor(store Store, cache *ObjectCache, dist Distributor, auth *Authorizer, uris util.URIs, log *slog.Logger) *Processor {
	return &Processor{
		store: store,
		cache: cache,
		dist:  dist,
		auth:  auth,
		uris:  uris,
		log:   log,
	}
}

// Handle dispatches an inbound activity, already signature-verified, to its
// verb handler. Unsupported verbs are a logged no-op.
func (p *Processor) Handle(ctx context.Context, username string, activity domain.Document) error {
	switch activity.Type() {
	case "Create":
		return p.HandleCreate(ctx, username, activity)
	case "Update":
		return p.HandleUpdate(ctx, username, activity)
	case "Delete":
		return p.HandleDelete(ctx, username, activity)
	case "Add":
		return p.HandleAdd(ctx, username, activity)
	case "Remove":
		return p.HandleRemove(ctx, username, activity)
	case "Follow":
		return p.HandleFollow(ctx, username, activity)
	case "Accept":
		return p.HandleAccept(ctx, username, activity)
	case "Reject":
		return p.HandleReject(ctx, username, activity)
	case "Like":
		return p.HandleLike(ctx, username, activity)
	case "Announce":
		return p.HandleAnnounce(ctx, username, activity)
	case "Block":
		return p.HandleBlock(ctx, username, activity)
	case "Flag":
		return p.HandleFlag(ctx, username, activity)
	case "Undo":
		return p.HandleUndo(ctx, username, activity)
	default:
		p.log.Info("unsupported activity type", "type", activity.Type(), "actor", activity.Actor())
		return nil
	}
}

// cachePut stores a document in the side-effect cache under the TTL class
// its origin dictates.
func (p *Processor) cachePut(doc domain.Document) {
	p.cache.Put(doc, p.uris.IsLocal(doc.ID()))
}

// HandleCreate caches the new object. When the object replies to an object
// this bot owns, the reply is recorded in the original's replies collection
// and announced to the replier plus the original's audience.
func (p *Processor) HandleCreate(ctx context.Context, username string, activity domain.Document) error {
	obj := activity.Object()
	if obj == nil || obj.ID() == "" {
		p.log.Info("create without object, ignoring", "actor", activity.Actor())
		return nil
	}

	p.cachePut(obj)

	parentID := obj.FirstRef("inReplyTo")
	if parentID == "" || !p.uris.IsLocal(parentID) {
		return nil
	}

	parent, err := p.store.ReadObject(ctx, parentID)
	if err != nil {
		return fmt.Errorf("read reply parent: %w", err)
	}
	if parent == nil {
		p.log.Info("reply to unknown local object, ignoring", "parent", parentID)
		return nil
	}
	if OwnerOf(parent) != p.uris.Actor(username) {
		return nil
	}

	recorded, err := p.store.IsMember(ctx, parentID, domain.Replies, obj.ID())
	if err != nil {
		return err
	}
	if recorded {
		p.log.Info("reply already recorded", "reply", obj.ID())
		return nil
	}

	if err := p.store.AddMember(ctx, parentID, domain.Replies, obj.ID()); err != nil {
		return err
	}

	add := domain.Document{
		"type":   "Add",
		"object": obj.ID(),
		"target": p.uris.ObjectCollection(parentID, domain.Replies),
		"to":     dedupe(append([]string{activity.Actor()}, parent.Recipients()...)),
	}
	return p.emit(ctx, username, add)
}

// HandleUpdate re-caches the object, overwriting any previous entry.
func (p *Processor) HandleUpdate(ctx context.Context, username string, activity domain.Document) error {
	obj := activity.Object()
	if obj == nil || obj.ID() == "" {
		p.log.Info("update without object, ignoring", "actor", activity.Actor())
		return nil
	}
	p.cachePut(obj)
	return nil
}

// HandleDelete evicts the object from the cache.
func (p *Processor) HandleDelete(ctx context.Context, username string, activity domain.Document) error {
	objectID := activity.FirstRef("object")
	if objectID == "" {
		p.log.Info("delete without object, ignoring", "actor", activity.Actor())
		return nil
	}
	p.cache.Delete(objectID)
	return nil
}

// HandleAdd caches object and target and records the membership fact.
func (p *Processor) HandleAdd(ctx context.Context, username string, activity domain.Document) error {
	objectID, targetID := p.cacheAddRemove(activity)
	if objectID == "" || targetID == "" {
		p.log.Info("add missing object or target, ignoring", "actor", activity.Actor())
		return nil
	}
	p.cache.SaveMembership(targetID, objectID)
	return nil
}

// HandleRemove caches object and target and clears the membership fact.
func (p *Processor) HandleRemove(ctx context.Context, username string, activity domain.Document) error {
	objectID, targetID := p.cacheAddRemove(activity)
	if objectID == "" || targetID == "" {
		p.log.Info("remove missing object or target, ignoring", "actor", activity.Actor())
		return nil
	}
	p.cache.ClearMembership(targetID, objectID)
	return nil
}

func (p *Processor) cacheAddRemove(activity domain.Document) (string, string) {
	if obj := activity.Object(); obj != nil && obj.ID() != "" {
		p.cachePut(obj)
	}
	if target := activity.Embedded("target"); target != nil && target.ID() != "" {
		p.cachePut(target)
	}
	return activity.FirstRef("object"), activity.FirstRef("target")
}

// HandleFollow adds the actor to the bot's followers and reacts with an Add
// announcement and an Accept of the Follow. Follows for someone else,
// follows from blocked actors, and duplicate follows are no-ops.
func (p *Processor) HandleFollow(ctx context.Context, username string, activity domain.Document) error {
	actor := activity.Actor()
	if actor == "" {
		p.log.Info("follow without actor, ignoring")
		return nil
	}
	if activity.FirstRef("object") != p.uris.Actor(username) {
		p.log.Info("follow for a different actor, ignoring", "object", activity.FirstRef("object"))
		return nil
	}

	blocked, err := p.store.IsMember(ctx, username, domain.Blocked, actor)
	if err != nil {
		return err
	}
	if blocked {
		p.log.Info("follow from blocked actor, ignoring", "actor", actor)
		return nil
	}

	following, err := p.store.IsMember(ctx, username, domain.Followers, actor)
	if err != nil {
		return err
	}
	if following {
		p.log.Info("duplicate follow, ignoring", "actor", actor)
		return nil
	}

	if err := p.store.AddMember(ctx, username, domain.Followers, actor); err != nil {
		return err
	}

	add := domain.Document{
		"type":   "Add",
		"object": actor,
		"target": p.uris.Collection(username, domain.Followers),
		"to":     []string{actor},
	}
	if err := p.emit(ctx, username, add); err != nil {
		return err
	}

	accept := domain.Document{
		"type": "Accept",
		"object": domain.Document{
			"id":     activity.ID(),
			"type":   "Follow",
			"actor":  actor,
			"object": p.uris.Actor(username),
		},
		"to": []string{actor},
	}
	return p.emit(ctx, username, accept)
}

// pendingFollow validates an Accept/Reject of one of this bot's own Follow
// activities. Returns the follow id and remote actor when all guards pass.
func (p *Processor) pendingFollow(ctx context.Context, username string, activity domain.Document) (string, string, bool, error) {
	actor := activity.Actor()
	follow := activity.Object()
	followID := activity.FirstRef("object")
	if followID == "" || actor == "" {
		p.log.Info("follow response without actor or object, ignoring", "type", activity.Type())
		return "", "", false, nil
	}

	pending, err := p.store.IsMember(ctx, username, domain.PendingFollowing, followID)
	if err != nil {
		return "", "", false, err
	}
	if !pending {
		p.log.Info("follow response for unknown follow, ignoring", "follow", followID)
		return "", "", false, nil
	}

	already, err := p.store.IsMember(ctx, username, domain.Following, actor)
	if err != nil {
		return "", "", false, err
	}
	if already {
		p.log.Info("already following, ignoring", "actor", actor)
		return "", "", false, nil
	}

	blocked, err := p.store.IsMember(ctx, username, domain.Blocked, actor)
	if err != nil {
		return "", "", false, err
	}
	if blocked {
		p.log.Info("follow response from blocked actor, ignoring", "actor", actor)
		return "", "", false, nil
	}

	// The embedded Follow must target the responding actor. Fall back to
	// the stored Follow when the response carries only a bare id.
	if follow == nil || follow.FirstRef("object") == "" {
		stored, err := p.store.ReadObject(ctx, followID)
		if err != nil {
			return "", "", false, err
		}
		follow = stored
	}
	if follow == nil || follow.FirstRef("object") != actor {
		p.log.Info("follow response object mismatch, ignoring", "follow", followID, "actor", actor)
		return "", "", false, nil
	}

	return followID, actor, true, nil
}

// HandleAccept finalizes one of this bot's pending Follow activities:
// the remote actor joins following and the Follow leaves pendingFollowing.
func (p *Processor) HandleAccept(ctx context.Context, username string, activity domain.Document) error {
	followID, actor, ok, err := p.pendingFollow(ctx, username, activity)
	if err != nil || !ok {
		return err
	}
	if err := p.store.AddMember(ctx, username, domain.Following, actor); err != nil {
		return err
	}
	return p.store.RemoveMember(ctx, username, domain.PendingFollowing, followID)
}

// HandleReject clears one of this bot's pending Follow activities without
// adding to following.
func (p *Processor) HandleReject(ctx context.Context, username string, activity domain.Document) error {
	followID, _, ok, err := p.pendingFollow(ctx, username, activity)
	if err != nil || !ok {
		return err
	}
	return p.store.RemoveMember(ctx, username, domain.PendingFollowing, followID)
}

// HandleLike records a like on an object this bot owns and announces it.
func (p *Processor) HandleLike(ctx context.Context, username string, activity domain.Document) error {
	return p.handleReaction(ctx, username, activity, domain.Likes, domain.Likers)
}

// HandleAnnounce records a share of an object this bot owns and announces it.
func (p *Processor) HandleAnnounce(ctx context.Context, username string, activity domain.Document) error {
	return p.handleReaction(ctx, username, activity, domain.Shares, domain.Sharers)
}

// handleReaction is the shared Like/Announce path. At most one reaction per
// actor per object: a repeat of the same activity and a fresh activity from
// the same actor are both no-ops.
func (p *Processor) handleReaction(ctx context.Context, username string, activity domain.Document, activities, actors string) error {
	actor := activity.Actor()
	objectID := activity.FirstRef("object")
	if actor == "" || objectID == "" || activity.ID() == "" {
		p.log.Info("reaction missing actor, object or id, ignoring", "type", activity.Type())
		return nil
	}

	if !p.uris.IsLocal(objectID) {
		p.log.Info("reaction to remote object, ignoring", "object", objectID)
		return nil
	}

	obj, err := p.store.ReadObject(ctx, objectID)
	if err != nil {
		return err
	}
	if obj == nil {
		p.log.Info("reaction to unknown object, ignoring", "object", objectID)
		return nil
	}
	if OwnerOf(obj) != p.uris.Actor(username) {
		p.log.Info("reaction to object this bot does not own, ignoring", "object", objectID)
		return nil
	}
	if !p.auth.CanRead(ctx, actor, obj) {
		p.log.Info("reaction by actor who cannot read object, ignoring", "actor", actor, "object", objectID)
		return nil
	}

	duplicate, err := p.store.IsMember(ctx, objectID, activities, activity.ID())
	if err != nil {
		return err
	}
	if duplicate {
		p.log.Info("reaction already recorded", "activity", activity.ID())
		return nil
	}

	reacted, err := p.store.IsMember(ctx, objectID, actors, actor)
	if err != nil {
		return err
	}
	if reacted {
		p.log.Info("actor already reacted to object, ignoring", "actor", actor, "object", objectID)
		return nil
	}

	if err := p.store.AddMember(ctx, objectID, activities, activity.ID()); err != nil {
		return err
	}
	if err := p.store.AddMember(ctx, objectID, actors, actor); err != nil {
		return err
	}

	add := domain.Document{
		"type":   "Add",
		"object": activity.ID(),
		"target": p.uris.ObjectCollection(objectID, activities),
		"to":     dedupe(append([]string{actor}, obj.Recipients()...)),
	}
	return p.emit(ctx, username, add)
}

// HandleBlock severs every relationship with the blocking actor. Absence
// from any collection is not an error.
func (p *Processor) HandleBlock(ctx context.Context, username string, activity domain.Document) error {
	actor := activity.Actor()
	if actor == "" || activity.FirstRef("object") != p.uris.Actor(username) {
		p.log.Info("block not addressed to this bot, ignoring", "actor", actor)
		return nil
	}

	for _, collection := range []string{
		domain.Followers, domain.Following, domain.PendingFollowing, domain.PendingFollowers,
	} {
		if err := p.store.RemoveMember(ctx, username, collection, actor); err != nil {
			return err
		}
	}
	return nil
}

// HandleFlag is a review signal only; no state changes.
func (p *Processor) HandleFlag(ctx context.Context, username string, activity domain.Document) error {
	p.log.Warn("content flagged", "actor", activity.Actor(), "object", activity.FirstRef("object"))
	return nil
}

// HandleUndo dispatches on the embedded activity's verb. Supported for
// Like, Announce, Follow and Block; anything else is a silent no-op.
func (p *Processor) HandleUndo(ctx context.Context, username string, activity domain.Document) error {
	actor := activity.Actor()
	inner := activity.Object()
	if inner == nil {
		if innerID := activity.FirstRef("object"); innerID != "" {
			stored, err := p.store.ReadObject(ctx, innerID)
			if err != nil {
				return err
			}
			inner = stored
		}
	}
	if inner == nil {
		p.log.Info("undo of unknown activity, ignoring", "actor", actor)
		return nil
	}

	switch inner.Type() {
	case "Like":
		return p.undoReaction(ctx, username, actor, inner, domain.Likes, domain.Likers)
	case "Announce":
		return p.undoReaction(ctx, username, actor, inner, domain.Shares, domain.Sharers)
	case "Follow":
		if inner.Actor() != actor {
			p.log.Info("undo follow by different actor, ignoring", "actor", actor)
			return nil
		}
		return p.store.RemoveMember(ctx, username, domain.Followers, actor)
	case "Block":
		// Deliberately no state change.
		p.log.Info("undo block is a no-op", "actor", actor)
		return nil
	default:
		p.log.Info("undo of unsupported type, ignoring", "type", inner.Type())
		return nil
	}
}

// undoReaction reverses a recorded Like/Announce. Undoing twice is a no-op.
func (p *Processor) undoReaction(ctx context.Context, username, actor string, inner domain.Document, activities, actors string) error {
	objectID := inner.FirstRef("object")
	if objectID == "" || !p.uris.IsLocal(objectID) {
		p.log.Info("undo reaction on remote object, ignoring", "object", objectID)
		return nil
	}

	obj, err := p.store.ReadObject(ctx, objectID)
	if err != nil {
		return err
	}
	if obj == nil {
		p.log.Info("undo reaction on unknown object, ignoring", "object", objectID)
		return nil
	}
	if !p.auth.CanRead(ctx, actor, obj) {
		p.log.Info("undo reaction by actor who cannot read object, ignoring", "actor", actor)
		return nil
	}

	if err := p.store.RemoveMember(ctx, objectID, activities, inner.ID()); err != nil {
		return err
	}
	return p.store.RemoveMember(ctx, objectID, actors, actor)
}

// dedupe preserves order while dropping repeated entries.
func dedupe(uris []string) []string {
	seen := make(map[string]struct{}, len(uris))
	out := uris[:0]
	for _, uri := range uris {
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		out = append(out, uri)
	}
	return out
}
