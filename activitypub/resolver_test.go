package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// fakeKeys is a KeyStore with no instance key, so fetches go out unsigned.
type fakeKeys struct {
	pems map[string]string
}

func (f *fakeKeys) PrivateKeyPEM(ctx context.Context, username string) (string, error) {
	pem, ok := f.pems[username]
	if !ok {
		return "", fmt.Errorf("no key for %s", username)
	}
	return pem, nil
}

func (f *fakeKeys) InstanceKeyPEM(ctx context.Context) (string, error) {
	return "", nil
}

// fakeCollections is an in-memory CollectionStore.
type fakeCollections struct {
	members map[string][]string
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{members: make(map[string][]string)}
}

func (f *fakeCollections) key(parent, collection string) string {
	return parent + "\x00" + collection
}

func (f *fakeCollections) AddMember(ctx context.Context, parent, collection, item string) error {
	k := f.key(parent, collection)
	for _, existing := range f.members[k] {
		if existing == item {
			return nil
		}
	}
	f.members[k] = append(f.members[k], item)
	return nil
}

func (f *fakeCollections) RemoveMember(ctx context.Context, parent, collection, item string) error {
	k := f.key(parent, collection)
	out := f.members[k][:0]
	for _, existing := range f.members[k] {
		if existing != item {
			out = append(out, existing)
		}
	}
	f.members[k] = out
	return nil
}

func (f *fakeCollections) IsMember(ctx context.Context, parent, collection, item string) (bool, error) {
	for _, existing := range f.members[f.key(parent, collection)] {
		if existing == item {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCollections) EachMember(ctx context.Context, parent, collection string, fn func(item string) error) error {
	for _, item := range f.members[f.key(parent, collection)] {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// actorServer serves actor documents. Actors in shared get an
// endpoints.sharedInbox; actors in none get no inbox at all.
func actorServer(t *testing.T, fetches *int64, shared map[string]bool, none map[string]bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(fetches, 1)
		name := r.URL.Path[len("/users/"):]
		doc := map[string]any{
			"id":   srv.URL + "/users/" + name,
			"type": "Person",
		}
		if none[name] {
			json.NewEncoder(w).Encode(doc)
			return
		}
		doc["inbox"] = srv.URL + "/users/" + name + "/inbox"
		if shared[name] {
			doc["endpoints"] = map[string]any{"sharedInbox": srv.URL + "/inbox"}
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testResolver(store CollectionStore) *Resolver {
	uris := util.NewURIs("example.com")
	client := NewClient(&fakeKeys{}, uris, testLogger())
	return NewResolver(client, store, uris, testLogger())
}

func TestResolveDirectRecipients(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, nil)
	res := testResolver(newFakeCollections())

	activity := domain.Document{
		"to": []any{srv.URL + "/users/a", srv.URL + "/users/b"},
	}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	sort.Strings(inboxes)
	want := []string{srv.URL + "/users/a/inbox", srv.URL + "/users/b/inbox"}
	if len(inboxes) != 2 || inboxes[0] != want[0] || inboxes[1] != want[1] {
		t.Errorf("inboxes = %v, want %v", inboxes, want)
	}
}

func TestResolveExpandsPublicToFollowers(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, nil)

	store := newFakeCollections()
	store.AddMember(context.Background(), "weather", domain.Followers, srv.URL+"/users/a")
	store.AddMember(context.Background(), "weather", domain.Followers, srv.URL+"/users/b")

	res := testResolver(store)
	activity := domain.Document{"to": []any{"https://www.w3.org/ns/activitystreams#Public"}}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(inboxes) != 2 {
		t.Errorf("expected 2 follower inboxes, got %v", inboxes)
	}
}

func TestResolveOwnFollowersCollection(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, nil)

	store := newFakeCollections()
	store.AddMember(context.Background(), "weather", domain.Followers, srv.URL+"/users/a")

	res := testResolver(store)
	activity := domain.Document{
		"cc": []any{"https://example.com/users/weather/followers"},
	}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(inboxes) != 1 || inboxes[0] != srv.URL+"/users/a/inbox" {
		t.Errorf("inboxes = %v", inboxes)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, nil)

	store := newFakeCollections()
	store.AddMember(context.Background(), "weather", domain.Followers, srv.URL+"/users/a")

	res := testResolver(store)
	// a is both a follower and directly addressed, and also blind-addressed
	activity := domain.Document{
		"to":  []any{"https://www.w3.org/ns/activitystreams#Public", srv.URL + "/users/a"},
		"bcc": []any{srv.URL + "/users/a"},
	}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(inboxes) != 1 {
		t.Errorf("expected 1 deduplicated inbox, got %v", inboxes)
	}
}

func TestResolvePrefersSharedInbox(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, map[string]bool{"a": true, "b": true}, nil)
	res := testResolver(newFakeCollections())

	activity := domain.Document{
		"to": []any{srv.URL + "/users/a", srv.URL + "/users/b"},
	}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Both actors share one endpoint
	if len(inboxes) != 1 || inboxes[0] != srv.URL+"/inbox" {
		t.Errorf("inboxes = %v", inboxes)
	}
}

func TestResolveSkipsSelf(t *testing.T) {
	// No server: resolving only the bot's own identity must not fetch.
	res := testResolver(newFakeCollections())

	activity := domain.Document{"to": []any{"https://example.com/users/weather"}}
	inboxes, err := res.Resolve(context.Background(), activity, "weather")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(inboxes) != 0 {
		t.Errorf("expected no endpoints, got %v", inboxes)
	}
}

func TestResolveCachesInboxes(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, nil)
	res := testResolver(newFakeCollections())

	activity := domain.Document{"to": []any{srv.URL + "/users/a"}}
	if _, err := res.Resolve(context.Background(), activity, "weather"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := res.Resolve(context.Background(), activity, "weather"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Errorf("expected 1 actor fetch, got %d", n)
	}
}

func TestResolveNoInboxFails(t *testing.T) {
	var fetches int64
	srv := actorServer(t, &fetches, nil, map[string]bool{"a": true})
	res := testResolver(newFakeCollections())

	activity := domain.Document{"to": []any{srv.URL + "/users/a"}}
	if _, err := res.Resolve(context.Background(), activity, "weather"); err == nil {
		t.Error("expected error for actor without inbox")
	}
}

func TestResolveFetchFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	res := testResolver(newFakeCollections())

	activity := domain.Document{"to": []any{srv.URL + "/users/gone"}}
	if _, err := res.Resolve(context.Background(), activity, "weather"); err == nil {
		t.Error("expected error for failed actor fetch")
	}
}
