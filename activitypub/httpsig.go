package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// ErrUnauthorized marks signature failures. The HTTP layer translates it
// into a 401; it is never swallowed.
var ErrUnauthorized = errors.New("unauthorized")

// SignRequest signs an outgoing POST with the given private key. The
// Digest header must already be set; the signature covers
// (request-target), host, date and digest.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignGetRequest signs an outgoing GET. No body, so no digest in the
// signed header set.
func SignGetRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// Digest computes the Digest header value over the exact body bytes that
// will be transmitted. Compute it before any re-serialization can drift.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// Verifier checks incoming HTTP signatures and resolves the signer.
type Verifier struct {
	keys *RemoteKeys
	log  *slog.Logger
}

func NewVerifier(keys *RemoteKeys, log *slog.Logger) *Verifier {
	return &Verifier{keys: keys, log: log}
}

// Verify checks the Signature header of req and returns the identity URI
// that owns the signing key. The canonical string is rebuilt from the
// header list the signature itself declares; (request-target) comes from
// the request's own method and path, never from a client-supplied value.
// All failure modes wrap ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, req *http.Request) (string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return "", fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}

	params := parseSignatureParams(header)

	// Only rsa-sha256 is accepted. An absent algorithm parameter means the
	// key decides, which for us is also rsa-sha256.
	if alg, ok := params["algorithm"]; ok && alg != "rsa-sha256" {
		return "", fmt.Errorf("%w: unsupported signature algorithm %q", ErrUnauthorized, alg)
	}

	keyId := params["keyId"]
	if keyId == "" {
		return "", fmt.Errorf("%w: signature missing keyId", ErrUnauthorized)
	}

	pemString, owner, err := v.keys.PublicKey(ctx, keyId)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve key %s: %v", ErrUnauthorized, keyId, err)
	}

	publicKey, err := ParsePublicKey(pemString)
	if err != nil {
		return "", fmt.Errorf("%w: bad public key for %s: %v", ErrUnauthorized, keyId, err)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: malformed signature: %v", ErrUnauthorized, err)
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: signature verification failed: %v", ErrUnauthorized, err)
	}

	return owner, nil
}

// parseSignatureParams splits a Signature header into its comma-separated
// key="value" parameters.
func parseSignatureParams(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		value = strings.ReplaceAll(value, `\"`, `"`)
		params[key] = value
	}
	return params
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
