package web

import (
	"context"
	"fmt"
	"strings"

	"github.com/botpod/botpod/db"
	"github.com/botpod/botpod/util"
)

// WebfingerResp is the JRD document answering acct: lookups.
type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// ResolveWebfinger maps an acct: resource to a local bot's JRD. The resource
// must name this instance's domain and an existing bot.
func ResolveWebfinger(ctx context.Context, database *db.DB, uris util.URIs, resource string) (*WebfingerResp, error) {
	if !strings.HasPrefix(resource, "acct:") {
		return nil, fmt.Errorf("unsupported resource: %s", resource)
	}

	acct := strings.TrimPrefix(resource, "acct:")
	username, domain, found := strings.Cut(acct, "@")
	if found && domain != uris.Domain {
		return nil, fmt.Errorf("unknown domain: %s", domain)
	}

	exists, err := database.BotExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("unknown account: %s", username)
	}

	actorURI := uris.Actor(username)
	return &WebfingerResp{
		Subject: fmt.Sprintf("acct:%s@%s", username, uris.Domain),
		Aliases: []string{actorURI},
		Links: []WebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorURI,
			},
		},
	}, nil
}
