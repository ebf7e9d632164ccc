package activitypub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// Resolver expands an activity's addressing into the set of inbox endpoints
// to deliver to.
type Resolver struct {
	client *Client
	store  CollectionStore
	uris   util.URIs
	log    *slog.Logger

	// Two independent caches, both keyed by actor URI. An actor's shared
	// inbox and direct inbox are distinct endpoints.
	sharedInboxes *boundedCache
	inboxes       *boundedCache
}

func NewResolver(client *Client, store CollectionStore, uris util.URIs, log *slog.Logger) *Resolver {
	return &Resolver{
		client:        client,
		store:         store,
		uris:          uris,
		log:           log,
		sharedInboxes: newBoundedCache(10000),
		inboxes:       newBoundedCache(10000),
	}
}

// Resolve expands the activity's addressing for the acting bot. The
// public-visible audience (to, cc, audience) and the blind audience (bto,
// bcc) expand identically; what differs is only that blind fields never
// appear in delivered payloads. A Public token or the bot's own followers
// collection expands to every follower's inbox. Endpoints are deduplicated:
// an actor both addressed directly and following is delivered to once.
// A failed actor fetch aborts the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, activity domain.Document, username string) ([]string, error) {
	endpoints := make(map[string]struct{})
	self := r.uris.Actor(username)
	followersURI := r.uris.Collection(username, domain.Followers)

	expand := func(recipients []string) error {
		for _, recipient := range recipients {
			if domain.IsPublic(recipient) || recipient == followersURI {
				err := r.store.EachMember(ctx, username, domain.Followers, func(actorURI string) error {
					inbox, err := r.InboxFor(ctx, actorURI)
					if err != nil {
						return err
					}
					endpoints[inbox] = struct{}{}
					return nil
				})
				if err != nil {
					return err
				}
				continue
			}

			// The bot's own inbox is written locally by the emit path, not
			// delivered over HTTP.
			if recipient == self {
				continue
			}

			inbox, err := r.InboxFor(ctx, recipient)
			if err != nil {
				return err
			}
			endpoints[inbox] = struct{}{}
		}
		return nil
	}

	if err := expand(activity.Recipients()); err != nil {
		return nil, err
	}
	if err := expand(activity.BlindRecipients()); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(endpoints))
	for endpoint := range endpoints {
		out = append(out, endpoint)
	}
	return out, nil
}

// InboxFor resolves a single actor to a delivery endpoint, preferring the
// actor's shared inbox over the direct one. Cache hits skip the fetch
// entirely.
func (r *Resolver) InboxFor(ctx context.Context, actorURI string) (string, error) {
	if inbox, ok := r.sharedInboxes.get(actorURI); ok {
		return inbox, nil
	}
	if inbox, ok := r.inboxes.get(actorURI); ok {
		return inbox, nil
	}

	actor, err := r.client.Fetch(ctx, actorURI)
	if err != nil {
		return "", fmt.Errorf("resolve inbox of %s: %w", actorURI, err)
	}

	if endpoints := actor.Embedded("endpoints"); endpoints != nil {
		if shared, ok := endpoints["sharedInbox"].(string); ok && shared != "" {
			r.sharedInboxes.put(actorURI, shared)
			return shared, nil
		}
	}

	if inbox, ok := actor["inbox"].(string); ok && inbox != "" {
		r.inboxes.put(actorURI, inbox)
		return inbox, nil
	}

	return "", fmt.Errorf("actor %s declares neither a shared nor a direct inbox", actorURI)
}
