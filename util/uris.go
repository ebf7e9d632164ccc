package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// URIs is the canonical identity formatter for this instance. It is a pure
// mapping between usernames/collections and their URIs; it never touches
// storage or the network.
type URIs struct {
	Domain string
}

func NewURIs(domain string) URIs {
	return URIs{Domain: domain}
}

func (u URIs) base() string {
	return fmt.Sprintf("https://%s", u.Domain)
}

// Actor returns the identity URI of a local bot.
// Example: "https://example.com/users/weather"
func (u URIs) Actor(username string) string {
	return fmt.Sprintf("%s/users/%s", u.base(), username)
}

// InstanceActor is the server-level identity used to sign fetches that are
// not performed on behalf of a particular bot.
func (u URIs) InstanceActor() string {
	return fmt.Sprintf("%s/actor", u.base())
}

// KeyID returns the signing key id of a local bot.
func (u URIs) KeyID(username string) string {
	return u.Actor(username) + "#main-key"
}

// InstanceKeyID returns the signing key id of the instance actor.
func (u URIs) InstanceKeyID() string {
	return u.InstanceActor() + "#main-key"
}

// Inbox returns a bot's direct inbox URI.
func (u URIs) Inbox(username string) string {
	return u.Actor(username) + "/inbox"
}

// SharedInbox is the single endpoint accepting deliveries for all local bots.
func (u URIs) SharedInbox() string {
	return fmt.Sprintf("%s/inbox", u.base())
}

// Collection returns the URI of a bot's named collection, e.g. followers.
func (u URIs) Collection(username, name string) string {
	return fmt.Sprintf("%s/%s", u.Actor(username), name)
}

// ObjectCollection returns the URI of an object's named collection,
// e.g. the replies collection of a note.
func (u URIs) ObjectCollection(objectURI, name string) string {
	return fmt.Sprintf("%s/%s", objectURI, name)
}

// Activity returns the URI of a local activity by its id segment.
func (u URIs) Activity(id string) string {
	return fmt.Sprintf("%s/activities/%s", u.base(), id)
}

// Object returns the URI of a local object by its id segment.
func (u URIs) Object(id string) string {
	return fmt.Sprintf("%s/objects/%s", u.base(), id)
}

// NewActivity mints a fresh activity URI.
func (u URIs) NewActivity() string {
	return u.Activity(uuid.New().String())
}

// NewObject mints a fresh object URI.
func (u URIs) NewObject() string {
	return u.Object(uuid.New().String())
}

// IsLocal reports whether uri belongs to this instance.
func (u URIs) IsLocal(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return parsed.Host == u.Domain
}

// ExtractUsername extracts the bot username from a local actor or
// collection URI. Returns "" for URIs that don't address a local bot.
// Examples:
//   - "https://example.com/users/weather" -> "weather"
//   - "https://example.com/users/weather/followers" -> "weather"
func (u URIs) ExtractUsername(uri string) string {
	if !u.IsLocal(uri) {
		return ""
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "users" {
		return parts[1]
	}
	return ""
}

// FollowersOwner returns the username whose followers collection uri names,
// and whether it names one at all.
func (u URIs) FollowersOwner(uri string) (string, bool) {
	username := u.ExtractUsername(uri)
	if username == "" {
		return "", false
	}
	if uri == u.Collection(username, "followers") {
		return username, true
	}
	return "", false
}
