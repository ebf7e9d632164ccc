package activitypub

import (
	"context"

	"github.com/botpod/botpod/domain"
)

// The federation core owns no persistence. Everything durable - bots and
// their keys, objects, collection membership - lives behind these
// interfaces; db.DB implements all of them over sqlite.

// ActorStore answers questions about local bots.
type ActorStore interface {
	BotExists(ctx context.Context, username string) (bool, error)
}

// ObjectStore persists documents keyed by URI. Read returns nil (no error)
// for unknown URIs.
type ObjectStore interface {
	CreateObject(ctx context.Context, doc domain.Document, owner string, local bool) error
	ReadObject(ctx context.Context, uri string) (domain.Document, error)
	UpdateObject(ctx context.Context, doc domain.Document) error
	DeleteObject(ctx context.Context, uri string) error
}

// CollectionStore maintains named collections. The parent is a bot username
// for actor collections (followers, blocked, ...) and an object URI for
// object collections (replies, likes, ...). Adding a duplicate member is a
// no-op; so is removing an absent one.
type CollectionStore interface {
	IsMember(ctx context.Context, parent, collection, item string) (bool, error)
	AddMember(ctx context.Context, parent, collection, item string) error
	RemoveMember(ctx context.Context, parent, collection, item string) error
	EachMember(ctx context.Context, parent, collection string, fn func(item string) error) error
}

// KeyStore provides the PEM private keys used for signing. The instance key
// signs fetches not performed on behalf of a particular bot.
type KeyStore interface {
	PrivateKeyPEM(ctx context.Context, username string) (string, error)
	InstanceKeyPEM(ctx context.Context) (string, error)
}

// Store is the full storage surface the core consumes.
type Store interface {
	ActorStore
	ObjectStore
	CollectionStore
	KeyStore
}
