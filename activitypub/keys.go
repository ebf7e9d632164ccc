package activitypub

import (
	"context"
	"fmt"
	"sync"
)

type remoteKey struct {
	pem   string
	owner string
}

// RemoteKeys resolves public keys of remote signers by keyId, with a
// capacity-bounded cache in front of a signed fetch of the key document.
type RemoteKeys struct {
	client *Client

	mu      sync.RWMutex
	max     int
	entries map[string]remoteKey
}

func NewRemoteKeys(client *Client) *RemoteKeys {
	return &RemoteKeys{
		client:  client,
		max:     1000,
		entries: make(map[string]remoteKey),
	}
}

// PublicKey returns the PEM public key and declared owner for keyId.
// The keyId URL usually resolves to the owning actor document carrying an
// embedded publicKey object, occasionally to the key document itself.
func (rk *RemoteKeys) PublicKey(ctx context.Context, keyId string) (string, string, error) {
	rk.mu.RLock()
	entry, ok := rk.entries[keyId]
	rk.mu.RUnlock()
	if ok {
		return entry.pem, entry.owner, nil
	}

	doc, err := rk.client.Fetch(ctx, keyId)
	if err != nil {
		return "", "", err
	}

	key := doc.Embedded("publicKey")
	if key == nil {
		key = doc
	}

	pemString, _ := key["publicKeyPem"].(string)
	if pemString == "" {
		return "", "", fmt.Errorf("no publicKeyPem in document for %s", keyId)
	}

	owner := key.FirstRef("owner")
	if owner == "" {
		owner = doc.ID()
	}
	if owner == "" {
		return "", "", fmt.Errorf("no owner for key %s", keyId)
	}

	rk.mu.Lock()
	if len(rk.entries) >= rk.max {
		rk.entries = make(map[string]remoteKey)
	}
	rk.entries[keyId] = remoteKey{pem: pemString, owner: owner}
	rk.mu.Unlock()

	return pemString, owner, nil
}

// Seed primes the cache with a known key, e.g. the instance's own bots so
// local-to-local deliveries verify without a fetch.
func (rk *RemoteKeys) Seed(keyId, pem, owner string) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	rk.entries[keyId] = remoteKey{pem: pem, owner: owner}
}
