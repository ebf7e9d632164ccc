package activitypub

import (
	"context"
	"testing"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// fakeStore is an in-memory Store for processor tests.
type fakeStore struct {
	*fakeCollections
	bots    map[string]bool
	objects map[string]domain.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fakeCollections: newFakeCollections(),
		bots:            map[string]bool{"weather": true},
		objects:         make(map[string]domain.Document),
	}
}

func (f *fakeStore) BotExists(ctx context.Context, username string) (bool, error) {
	return f.bots[username], nil
}

func (f *fakeStore) CreateObject(ctx context.Context, doc domain.Document, owner string, local bool) error {
	f.objects[doc.ID()] = doc
	return nil
}

func (f *fakeStore) ReadObject(ctx context.Context, uri string) (domain.Document, error) {
	return f.objects[uri], nil
}

func (f *fakeStore) UpdateObject(ctx context.Context, doc domain.Document) error {
	f.objects[doc.ID()] = doc
	return nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, uri string) error {
	delete(f.objects, uri)
	return nil
}

func (f *fakeStore) PrivateKeyPEM(ctx context.Context, username string) (string, error) {
	return "", nil
}

func (f *fakeStore) InstanceKeyPEM(ctx context.Context) (string, error) {
	return "", nil
}

// fakeDistributor records fanned-out activities instead of delivering.
type fakeDistributor struct {
	activities []domain.Document
	usernames  []string
}

func (f *fakeDistributor) Distribute(ctx context.Context, activity domain.Document, username string) error {
	f.activities = append(f.activities, activity)
	f.usernames = append(f.usernames, username)
	return nil
}

func testProcessor(t *testing.T) (*Processor, *fakeStore, *fakeDistributor, *ObjectCache) {
	t.Helper()
	store := newFakeStore()
	dist := &fakeDistributor{}
	cache := NewObjectCache()
	uris := util.NewURIs("example.com")
	auth := NewAuthorizer(store, uris, testLogger())
	return NewProcessor(store, cache, dist, auth, uris, testLogger()), store, dist, cache
}

const (
	botURI    = "https://example.com/users/weather"
	remoteURI = "https://remote.example/users/a"
)

func follow(id string) domain.Document {
	return domain.Document{
		"id":     id,
		"type":   "Follow",
		"actor":  remoteURI,
		"object": botURI,
	}
}

func TestHandleFollow(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	if err := p.Handle(ctx, "weather", follow("https://remote.example/activities/f1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	isFollower, _ := store.IsMember(ctx, "weather", domain.Followers, remoteURI)
	if !isFollower {
		t.Error("actor not added to followers")
	}

	if len(dist.activities) != 2 {
		t.Fatalf("expected Add and Accept, got %d activities", len(dist.activities))
	}

	add := dist.activities[0]
	if add.Type() != "Add" || add.FirstRef("object") != remoteURI {
		t.Errorf("unexpected Add: %v", add)
	}
	if add.FirstRef("target") != botURI+"/followers" {
		t.Errorf("Add target: %s", add.FirstRef("target"))
	}

	accept := dist.activities[1]
	if accept.Type() != "Accept" {
		t.Errorf("unexpected reaction type: %s", accept.Type())
	}
	embedded := accept.Object()
	if embedded == nil || embedded.ID() != "https://remote.example/activities/f1" {
		t.Errorf("Accept must embed the original follow: %v", embedded)
	}
	if embedded["actor"] != remoteURI || embedded["object"] != botURI {
		t.Errorf("embedded follow malformed: %v", embedded)
	}

	// Emitted activities are stamped and persisted
	for _, activity := range dist.activities {
		if activity.ID() == "" || activity.Actor() != botURI {
			t.Errorf("activity missing id or actor: %v", activity)
		}
		if activity["@context"] != ActivityStreamsContext {
			t.Errorf("activity missing context: %v", activity)
		}
		if store.objects[activity.ID()] == nil {
			t.Errorf("activity not persisted: %s", activity.ID())
		}
		inOutbox, _ := store.IsMember(ctx, "weather", domain.OutboxCollection, activity.ID())
		inInbox, _ := store.IsMember(ctx, "weather", domain.InboxCollection, activity.ID())
		if !inOutbox || !inInbox {
			t.Errorf("activity not recorded in outbox/inbox: %s", activity.ID())
		}
	}
}

func TestHandleFollowDuplicate(t *testing.T) {
	p, _, dist, _ := testProcessor(t)
	ctx := context.Background()

	p.Handle(ctx, "weather", follow("https://remote.example/activities/f1"))
	reactions := len(dist.activities)

	if err := p.Handle(ctx, "weather", follow("https://remote.example/activities/f2")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(dist.activities) != reactions {
		t.Error("duplicate follow must not react again")
	}
}

func TestHandleFollowBlocked(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()
	store.AddMember(ctx, "weather", domain.Blocked, remoteURI)

	if err := p.Handle(ctx, "weather", follow("https://remote.example/activities/f1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	isFollower, _ := store.IsMember(ctx, "weather", domain.Followers, remoteURI)
	if isFollower || len(dist.activities) != 0 {
		t.Error("blocked actor must not become a follower")
	}
}

func TestHandleFollowWrongObject(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	f := follow("https://remote.example/activities/f1")
	f["object"] = "https://example.com/users/other"
	if err := p.Handle(ctx, "weather", f); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	isFollower, _ := store.IsMember(ctx, "weather", domain.Followers, remoteURI)
	if isFollower || len(dist.activities) != 0 {
		t.Error("follow for another actor must be ignored")
	}
}

func acceptOf(followID string) domain.Document {
	return domain.Document{
		"id":    "https://remote.example/activities/acc1",
		"type":  "Accept",
		"actor": remoteURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  botURI,
			"object": remoteURI,
		},
	}
}

func TestHandleAccept(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	followID := "https://example.com/activities/out-f1"
	store.AddMember(ctx, "weather", domain.PendingFollowing, followID)

	if err := p.Handle(ctx, "weather", acceptOf(followID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	following, _ := store.IsMember(ctx, "weather", domain.Following, remoteURI)
	if !following {
		t.Error("accepted follow must add to following")
	}
	pending, _ := store.IsMember(ctx, "weather", domain.PendingFollowing, followID)
	if pending {
		t.Error("accepted follow must leave pendingFollowing")
	}
}

func TestHandleAcceptNotPending(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	if err := p.Handle(ctx, "weather", acceptOf("https://example.com/activities/unknown")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	following, _ := store.IsMember(ctx, "weather", domain.Following, remoteURI)
	if following {
		t.Error("accept of unknown follow must be ignored")
	}
}

func TestHandleAcceptBareReference(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	followID := "https://example.com/activities/out-f1"
	store.AddMember(ctx, "weather", domain.PendingFollowing, followID)
	store.objects[followID] = domain.Document{
		"id":     followID,
		"type":   "Follow",
		"actor":  botURI,
		"object": remoteURI,
	}

	accept := domain.Document{
		"type":   "Accept",
		"actor":  remoteURI,
		"object": followID,
	}
	if err := p.Handle(ctx, "weather", accept); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	following, _ := store.IsMember(ctx, "weather", domain.Following, remoteURI)
	if !following {
		t.Error("bare follow reference must resolve via the stored follow")
	}
}

func TestHandleAcceptActorMismatch(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	followID := "https://example.com/activities/out-f1"
	store.AddMember(ctx, "weather", domain.PendingFollowing, followID)

	// The accepting actor is not the one the follow targeted
	accept := acceptOf(followID)
	accept["actor"] = "https://remote.example/users/impostor"
	if err := p.Handle(ctx, "weather", accept); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	following, _ := store.IsMember(ctx, "weather", domain.Following, "https://remote.example/users/impostor")
	if following {
		t.Error("accept by a different actor must be ignored")
	}
	pending, _ := store.IsMember(ctx, "weather", domain.PendingFollowing, followID)
	if !pending {
		t.Error("mismatched accept must not consume the pending follow")
	}
}

func TestHandleReject(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	followID := "https://example.com/activities/out-f1"
	store.AddMember(ctx, "weather", domain.PendingFollowing, followID)

	reject := acceptOf(followID)
	reject["type"] = "Reject"
	if err := p.Handle(ctx, "weather", reject); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	following, _ := store.IsMember(ctx, "weather", domain.Following, remoteURI)
	if following {
		t.Error("rejected follow must not add to following")
	}
	pending, _ := store.IsMember(ctx, "weather", domain.PendingFollowing, followID)
	if pending {
		t.Error("rejected follow must leave pendingFollowing")
	}
}

func publicNote(id string) domain.Document {
	return domain.Document{
		"id":           id,
		"type":         "Note",
		"attributedTo": botURI,
		"to":           []any{"https://www.w3.org/ns/activitystreams#Public"},
		"content":      "hello",
	}
}

func likeOf(id, objectID string) domain.Document {
	return domain.Document{
		"id":     id,
		"type":   "Like",
		"actor":  remoteURI,
		"object": objectID,
	}
}

func TestHandleLike(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	noteID := "https://example.com/objects/n1"
	store.objects[noteID] = publicNote(noteID)

	like := likeOf("https://remote.example/activities/l1", noteID)
	if err := p.Handle(ctx, "weather", like); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recorded, _ := store.IsMember(ctx, noteID, domain.Likes, like.ID())
	liker, _ := store.IsMember(ctx, noteID, domain.Likers, remoteURI)
	if !recorded || !liker {
		t.Error("like not recorded in likes/likers")
	}

	if len(dist.activities) != 1 || dist.activities[0].Type() != "Add" {
		t.Fatalf("expected one Add reaction, got %v", dist.activities)
	}
	add := dist.activities[0]
	if add.FirstRef("target") != noteID+"/likes" {
		t.Errorf("Add target: %s", add.FirstRef("target"))
	}
}

func TestHandleLikeIdempotent(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	noteID := "https://example.com/objects/n1"
	store.objects[noteID] = publicNote(noteID)

	p.Handle(ctx, "weather", likeOf("https://remote.example/activities/l1", noteID))
	reactions := len(dist.activities)

	// Same activity again
	p.Handle(ctx, "weather", likeOf("https://remote.example/activities/l1", noteID))
	// Fresh activity, same actor
	p.Handle(ctx, "weather", likeOf("https://remote.example/activities/l2", noteID))

	if len(dist.activities) != reactions {
		t.Error("repeat likes must not react again")
	}
	var likers int
	store.EachMember(ctx, noteID, domain.Likers, func(string) error {
		likers++
		return nil
	})
	if likers != 1 {
		t.Errorf("expected 1 liker, got %d", likers)
	}
}

func TestHandleLikeRemoteObject(t *testing.T) {
	p, _, dist, _ := testProcessor(t)
	ctx := context.Background()

	like := likeOf("https://remote.example/activities/l1", "https://remote.example/objects/n1")
	if err := p.Handle(ctx, "weather", like); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(dist.activities) != 0 {
		t.Error("like of a remote object must be ignored")
	}
}

func TestHandleLikeUnreadableObject(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	noteID := "https://example.com/objects/n1"
	note := publicNote(noteID)
	note["to"] = []any{"https://remote.example/users/someone-else"}
	store.objects[noteID] = note

	if err := p.Handle(ctx, "weather", likeOf("https://remote.example/activities/l1", noteID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	recorded, _ := store.IsMember(ctx, noteID, domain.Likers, remoteURI)
	if recorded || len(dist.activities) != 0 {
		t.Error("actor who cannot read the object must not like it")
	}
}

func TestHandleAnnounce(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	noteID := "https://example.com/objects/n1"
	store.objects[noteID] = publicNote(noteID)

	announce := domain.Document{
		"id":     "https://remote.example/activities/s1",
		"type":   "Announce",
		"actor":  remoteURI,
		"object": noteID,
	}
	if err := p.Handle(ctx, "weather", announce); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recorded, _ := store.IsMember(ctx, noteID, domain.Shares, announce.ID())
	sharer, _ := store.IsMember(ctx, noteID, domain.Sharers, remoteURI)
	if !recorded || !sharer {
		t.Error("announce not recorded in shares/sharers")
	}
	if len(dist.activities) != 1 {
		t.Errorf("expected one Add reaction, got %d", len(dist.activities))
	}
}

func TestHandleUndoLike(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	noteID := "https://example.com/objects/n1"
	store.objects[noteID] = publicNote(noteID)
	like := likeOf("https://remote.example/activities/l1", noteID)
	p.Handle(ctx, "weather", like)

	undo := domain.Document{
		"type":   "Undo",
		"actor":  remoteURI,
		"object": map[string]any(like),
	}
	if err := p.Handle(ctx, "weather", undo); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recorded, _ := store.IsMember(ctx, noteID, domain.Likes, like.ID())
	liker, _ := store.IsMember(ctx, noteID, domain.Likers, remoteURI)
	if recorded || liker {
		t.Error("undone like still recorded")
	}

	// Undoing twice is a no-op
	if err := p.Handle(ctx, "weather", undo); err != nil {
		t.Fatalf("second undo failed: %v", err)
	}
}

func TestHandleUndoFollow(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	f := follow("https://remote.example/activities/f1")
	p.Handle(ctx, "weather", f)

	undo := domain.Document{
		"type":   "Undo",
		"actor":  remoteURI,
		"object": map[string]any(f),
	}
	if err := p.Handle(ctx, "weather", undo); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	isFollower, _ := store.IsMember(ctx, "weather", domain.Followers, remoteURI)
	if isFollower {
		t.Error("undone follow still a follower")
	}
}

func TestHandleUndoFollowDifferentActor(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	f := follow("https://remote.example/activities/f1")
	p.Handle(ctx, "weather", f)

	undo := domain.Document{
		"type":   "Undo",
		"actor":  "https://remote.example/users/impostor",
		"object": map[string]any(f),
	}
	if err := p.Handle(ctx, "weather", undo); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	isFollower, _ := store.IsMember(ctx, "weather", domain.Followers, remoteURI)
	if !isFollower {
		t.Error("follow undone by a different actor")
	}
}

func TestHandleUndoBlockNoop(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()
	store.AddMember(ctx, "weather", domain.Blocked, remoteURI)

	undo := domain.Document{
		"type":  "Undo",
		"actor": remoteURI,
		"object": map[string]any{
			"type":   "Block",
			"actor":  remoteURI,
			"object": botURI,
		},
	}
	if err := p.Handle(ctx, "weather", undo); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	blocked, _ := store.IsMember(ctx, "weather", domain.Blocked, remoteURI)
	if !blocked {
		t.Error("undo block must not change state")
	}
}

func TestHandleBlock(t *testing.T) {
	p, store, _, _ := testProcessor(t)
	ctx := context.Background()

	store.AddMember(ctx, "weather", domain.Followers, remoteURI)
	store.AddMember(ctx, "weather", domain.Following, remoteURI)
	store.AddMember(ctx, "weather", domain.PendingFollowers, remoteURI)
	store.AddMember(ctx, "weather", domain.PendingFollowing, remoteURI)

	block := domain.Document{
		"type":   "Block",
		"actor":  remoteURI,
		"object": botURI,
	}
	if err := p.Handle(ctx, "weather", block); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	for _, collection := range []string{
		domain.Followers, domain.Following, domain.PendingFollowers, domain.PendingFollowing,
	} {
		member, _ := store.IsMember(ctx, "weather", collection, remoteURI)
		if member {
			t.Errorf("blocking actor still in %s", collection)
		}
	}
}

func TestHandleCreateCachesObject(t *testing.T) {
	p, _, _, cache := testProcessor(t)
	ctx := context.Background()

	create := domain.Document{
		"type":  "Create",
		"actor": remoteURI,
		"object": map[string]any{
			"id":      "https://remote.example/objects/n1",
			"type":    "Note",
			"content": "hi",
		},
	}
	if err := p.Handle(ctx, "weather", create); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if cache.Get("https://remote.example/objects/n1") == nil {
		t.Error("created object not cached")
	}
}

func TestHandleCreateReply(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	parentID := "https://example.com/objects/n1"
	parent := publicNote(parentID)
	parent["to"] = []any{"https://remote.example/users/b"}
	store.objects[parentID] = parent

	replyID := "https://remote.example/objects/r1"
	create := domain.Document{
		"type":  "Create",
		"actor": remoteURI,
		"object": map[string]any{
			"id":        replyID,
			"type":      "Note",
			"inReplyTo": parentID,
			"content":   "nice post",
		},
	}
	if err := p.Handle(ctx, "weather", create); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recorded, _ := store.IsMember(ctx, parentID, domain.Replies, replyID)
	if !recorded {
		t.Error("reply not recorded in replies collection")
	}
	if len(dist.activities) != 1 {
		t.Fatalf("expected one Add, got %d", len(dist.activities))
	}
	add := dist.activities[0]
	if add.FirstRef("target") != parentID+"/replies" {
		t.Errorf("Add target: %s", add.FirstRef("target"))
	}
	recipients := add.Recipients()
	wantRecipients := map[string]bool{remoteURI: true, "https://remote.example/users/b": true}
	for _, r := range recipients {
		if !wantRecipients[r] {
			t.Errorf("unexpected recipient: %s", r)
		}
		delete(wantRecipients, r)
	}
	if len(wantRecipients) != 0 {
		t.Errorf("missing recipients: %v", wantRecipients)
	}

	// Same reply again must not announce twice
	if err := p.Handle(ctx, "weather", create); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(dist.activities) != 1 {
		t.Error("duplicate reply announced again")
	}
}

func TestHandleCreateReplyToForeignObject(t *testing.T) {
	p, store, dist, _ := testProcessor(t)
	ctx := context.Background()

	parentID := "https://example.com/objects/n1"
	parent := publicNote(parentID)
	parent["attributedTo"] = "https://example.com/users/other"
	store.objects[parentID] = parent

	create := domain.Document{
		"type":  "Create",
		"actor": remoteURI,
		"object": map[string]any{
			"id":        "https://remote.example/objects/r1",
			"type":      "Note",
			"inReplyTo": parentID,
		},
	}
	if err := p.Handle(ctx, "weather", create); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(dist.activities) != 0 {
		t.Error("reply to another bot's object must not react")
	}
}

func TestHandleUpdateAndDelete(t *testing.T) {
	p, _, _, cache := testProcessor(t)
	ctx := context.Background()

	objID := "https://remote.example/objects/n1"
	update := domain.Document{
		"type":  "Update",
		"actor": remoteURI,
		"object": map[string]any{
			"id":      objID,
			"type":    "Note",
			"content": "v2",
		},
	}
	if err := p.Handle(ctx, "weather", update); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := cache.Get(objID); got == nil || got["content"] != "v2" {
		t.Errorf("update not cached: %v", got)
	}

	del := domain.Document{
		"type":   "Delete",
		"actor":  remoteURI,
		"object": objID,
	}
	if err := p.Handle(ctx, "weather", del); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if cache.Get(objID) != nil {
		t.Error("deleted object still cached")
	}
}

func TestHandleAddRemoveMembership(t *testing.T) {
	p, _, _, cache := testProcessor(t)
	ctx := context.Background()

	add := domain.Document{
		"type":   "Add",
		"actor":  remoteURI,
		"object": "https://remote.example/objects/n1",
		"target": "https://remote.example/collections/featured",
	}
	if err := p.Handle(ctx, "weather", add); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !cache.HasMembership("https://remote.example/collections/featured", "https://remote.example/objects/n1") {
		t.Error("membership not recorded")
	}

	remove := domain.Document{
		"type":   "Remove",
		"actor":  remoteURI,
		"object": "https://remote.example/objects/n1",
		"target": "https://remote.example/collections/featured",
	}
	if err := p.Handle(ctx, "weather", remove); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if cache.HasMembership("https://remote.example/collections/featured", "https://remote.example/objects/n1") {
		t.Error("membership not cleared")
	}
}

func TestHandleUnsupportedType(t *testing.T) {
	p, _, dist, _ := testProcessor(t)

	question := domain.Document{"type": "Question", "actor": remoteURI}
	if err := p.Handle(context.Background(), "weather", question); err != nil {
		t.Fatalf("unsupported type must not error: %v", err)
	}
	if len(dist.activities) != 0 {
		t.Error("unsupported type must not react")
	}
}

func TestHandleFlag(t *testing.T) {
	p, store, dist, _ := testProcessor(t)

	flag := domain.Document{
		"type":   "Flag",
		"actor":  remoteURI,
		"object": "https://example.com/objects/n1",
	}
	if err := p.Handle(context.Background(), "weather", flag); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(dist.activities) != 0 || len(store.objects) != 0 {
		t.Error("flag must not change state")
	}
}
