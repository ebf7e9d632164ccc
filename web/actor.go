package web

import (
	"context"
	"fmt"
	"time"

	"github.com/botpod/botpod/activitypub"
	"github.com/botpod/botpod/db"
	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

// ActorDoc renders a local bot as an ActivityPub actor. Bots are Service
// actors; clients treat them as automated accounts.
func ActorDoc(ctx context.Context, database *db.DB, uris util.URIs, username string) (domain.Document, error) {
	bot, err := database.ReadBot(ctx, username)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		return nil, fmt.Errorf("unknown account: %s", username)
	}

	actorURI := uris.Actor(username)
	return domain.Document{
		"@context": []any{
			activitypub.ActivityStreamsContext,
			"https://w3id.org/security/v1",
		},
		"id":                actorURI,
		"type":              "Service",
		"preferredUsername": bot.Username,
		"name":              bot.DisplayName,
		"summary":           bot.Summary,
		"published":         bot.CreatedAt.UTC().Format(time.RFC3339),
		"inbox":             uris.Inbox(username),
		"outbox":            uris.Collection(username, domain.OutboxCollection),
		"followers":         uris.Collection(username, domain.Followers),
		"following":         uris.Collection(username, domain.Following),
		"publicKey": domain.Document{
			"id":           uris.KeyID(username),
			"owner":        actorURI,
			"publicKeyPem": bot.PublicKeyPem,
		},
		"endpoints": domain.Document{
			"sharedInbox": uris.SharedInbox(),
		},
	}, nil
}

// InstanceActorDoc renders the server-level identity that signs fetches not
// performed on behalf of a particular bot.
func InstanceActorDoc(ctx context.Context, database *db.DB, uris util.URIs) (domain.Document, error) {
	pub, _, err := database.ReadInstanceKey(ctx)
	if err != nil {
		return nil, err
	}
	if pub == "" {
		return nil, fmt.Errorf("no instance key")
	}

	actorURI := uris.InstanceActor()
	return domain.Document{
		"@context": []any{
			activitypub.ActivityStreamsContext,
			"https://w3id.org/security/v1",
		},
		"id":                actorURI,
		"type":              "Application",
		"preferredUsername": uris.Domain,
		"inbox":             uris.SharedInbox(),
		"publicKey": domain.Document{
			"id":           uris.InstanceKeyID(),
			"owner":        actorURI,
			"publicKeyPem": pub,
		},
	}, nil
}
