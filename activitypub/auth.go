package activitypub

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// Authorizer decides whether a requester may read an object, from the
// object's addressing and the requester's relationship to its owner.
type Authorizer struct {
	store CollectionStore
	uris  util.URIs
	log   *slog.Logger
}

func NewAuthorizer(store CollectionStore, uris util.URIs, log *slog.Logger) *Authorizer {
	return &Authorizer{store: store, uris: uris, log: log}
}

// OwnerOf returns the object's owner: attributedTo, then actor, then owner,
// first match wins.
func OwnerOf(obj domain.Document) string {
	for _, key := range []string{"attributedTo", "actor", "owner"} {
		if ref := obj.FirstRef(key); ref != "" {
			return ref
		}
	}
	return ""
}

// CanRead reports whether requester may read obj. requester == "" means an
// anonymous request. Only the public-visible audience is consulted; blind
// fields are delivery-only and grant nobody read access.
//
// The blocked check only ever fires for locally owned objects: a remote
// owner's collections are not queryable here, so a local blocklist cannot
// apply to remote objects.
func (a *Authorizer) CanRead(ctx context.Context, requester string, obj domain.Document) bool {
	recipients := obj.Recipients()

	if requester == "" {
		return domain.HasPublic(recipients)
	}

	owner := OwnerOf(obj)
	if requester == owner {
		return true
	}

	ownerName := a.uris.ExtractUsername(owner)
	if ownerName != "" {
		blocked, err := a.store.IsMember(ctx, ownerName, domain.Blocked, requester)
		if err != nil {
			a.log.Warn("blocked lookup failed, denying", "owner", ownerName, "err", err)
			return false
		}
		if blocked {
			return false
		}
	}

	for _, recipient := range recipients {
		if recipient == requester {
			return true
		}
	}

	if domain.HasPublic(recipients) {
		return true
	}

	if ownerName != "" {
		followersURI := a.uris.Collection(ownerName, domain.Followers)
		for _, recipient := range recipients {
			if recipient != followersURI {
				continue
			}
			follower, err := a.store.IsMember(ctx, ownerName, domain.Followers, requester)
			if err != nil {
				a.log.Warn("follower lookup failed, denying", "owner", ownerName, "err", err)
				return false
			}
			if follower {
				return true
			}
		}
	}

	return false
}

// IsOwner reports whether actor owns obj.
func IsOwner(actor string, obj domain.Document) bool {
	return actor != "" && OwnerOf(obj) == actor
}

// SameOrigin reports whether two identity URIs live on the same origin
// (scheme and host). Used to tell locally authored references from remote
// ones.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}
