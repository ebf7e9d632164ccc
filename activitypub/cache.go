package activitypub

import (
	"sync"
	"time"

	"github.com/botpod/botpod/domain"
)

// boundedCache is a capacity-bounded string memoization cache with no
// expiry. When full it is reset wholesale; a miss just triggers a fresh
// fetch, so last-write-wins races are benign.
type boundedCache struct {
	mu      sync.RWMutex
	max     int
	entries map[string]string
}

func newBoundedCache(max int) *boundedCache {
	return &boundedCache{
		max:     max,
		entries: make(map[string]string),
	}
}

func (c *boundedCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *boundedCache) put(key, val string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = make(map[string]string)
	}
	c.entries[key] = val
}

// Object cache TTLs: documents authored by a local bot change only through
// this process, so they can live long; remote documents can be edited or
// deleted elsewhere at any time.
const (
	localObjectTTL  = 24 * time.Hour
	remoteObjectTTL = 5 * time.Minute
)

type cachedObject struct {
	doc     domain.Document
	expires time.Time
}

// ObjectCache is the inbound processor's side-effect cache: recently seen
// documents plus (target, object) membership facts from Add/Remove.
type ObjectCache struct {
	mu      sync.RWMutex
	objects map[string]cachedObject
	members map[[2]string]bool
}

func NewObjectCache() *ObjectCache {
	return &ObjectCache{
		objects: make(map[string]cachedObject),
		members: make(map[[2]string]bool),
	}
}

// Put caches doc under its id. Locally authored documents get the long TTL.
func (c *ObjectCache) Put(doc domain.Document, local bool) {
	id := doc.ID()
	if id == "" {
		return
	}
	ttl := remoteObjectTTL
	if local {
		ttl = localObjectTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = cachedObject{doc: doc, expires: time.Now().Add(ttl)}
}

// Get returns the cached document with the given id, or nil.
func (c *ObjectCache) Get(id string) domain.Document {
	c.mu.RLock()
	entry, ok := c.objects[id]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil
	}
	return entry.doc
}

// Delete evicts the document with the given id.
func (c *ObjectCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, id)
}

// SaveMembership records the fact that object is in target.
func (c *ObjectCache) SaveMembership(target, object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[[2]string{target, object}] = true
}

// ClearMembership forgets the fact that object is in target.
func (c *ObjectCache) ClearMembership(target, object string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, [2]string{target, object})
}

// HasMembership reports whether object was recorded as a member of target.
func (c *ObjectCache) HasMembership(target, object string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[[2]string{target, object}]
}
