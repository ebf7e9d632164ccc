package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
)

const (
	ContentType  = "application/activity+json"
	acceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	userAgent    = "botpod/1.0 ActivityPub"
)

// StatusError is a delivery response outside [200,299]. The delivery engine
// classifies retryability by its code; transport failures stay plain errors.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote server returned status: %d", e.Code)
}

// Client performs signed server-to-server HTTP operations.
type Client struct {
	http *http.Client
	keys KeyStore
	uris util.URIs
	log  *slog.Logger
}

func NewClient(keys KeyStore, uris util.URIs, log *slog.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		keys: keys,
		uris: uris,
		log:  log,
	}
}

// Fetch issues a signed GET for a remote document. The request is signed
// with the instance key when one is available, anonymous otherwise.
// A non-200 response is fatal; retrying is the delivery engine's business
// and only applies to POST.
func (c *Client) Fetch(ctx context.Context, url string) (domain.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if pemString, err := c.keys.InstanceKeyPEM(ctx); err == nil && pemString != "" {
		privateKey, err := ParsePrivateKey(pemString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse instance key: %w", err)
		}
		if err := SignGetRequest(req, privateKey, c.uris.InstanceKeyID()); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s failed with status: %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	doc, err := domain.ParseDocument(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document from %s: %w", url, err)
	}
	return doc, nil
}

// Deliver issues a signed POST of body to a remote inbox on behalf of the
// named bot. The digest is computed over the exact bytes handed in, which
// must be the bytes the caller marshalled.
func (c *Client) Deliver(ctx context.Context, inboxURI string, body []byte, username string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))

	pemString, err := c.keys.PrivateKeyPEM(ctx, username)
	if err != nil {
		return fmt.Errorf("no private key for %s: %w", username, err)
	}

	privateKey, err := ParsePrivateKey(pemString)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	if err := SignRequest(req, privateKey, c.uris.KeyID(username)); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}
