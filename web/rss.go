package web

import (
	"context"
	"fmt"
	"time"

	"github.com/botpod/botpod/db"
	"github.com/botpod/botpod/domain"
	"github.com/botpod/botpod/util"
	"github.com/gorilla/feeds"
)

const rssItemLimit = 50

// GetRSS renders a bot's public timeline as RSS: the Create activities in
// its outbox whose objects are publicly addressed. Non-public posts never
// leak into the feed.
func GetRSS(ctx context.Context, database *db.DB, uris util.URIs, username string) (string, error) {
	bot, err := database.ReadBot(ctx, username)
	if err != nil {
		return "", err
	}
	if bot == nil {
		return "", fmt.Errorf("unknown account: %s", username)
	}

	activityIDs, err := database.ReadMembers(ctx, username, domain.OutboxCollection, 0)
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", bot.Username, uris.Domain),
		Link:        &feeds.Link{Href: uris.Actor(username)},
		Description: bot.Summary,
		Author:      &feeds.Author{Name: bot.DisplayName, Email: fmt.Sprintf("%s@%s", bot.Username, uris.Domain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for i := len(activityIDs) - 1; i >= 0 && len(feedItems) < rssItemLimit; i-- {
		activity, err := database.ReadObject(ctx, activityIDs[i])
		if err != nil {
			return "", err
		}
		if activity == nil || activity.Type() != "Create" {
			continue
		}

		obj := activity.Object()
		if obj == nil || !domain.HasPublic(obj.Recipients()) {
			continue
		}

		content, _ := obj["content"].(string)
		title, _ := obj["name"].(string)
		if title == "" {
			title = obj.ID()
		}

		created := time.Now()
		if published, ok := obj["published"].(string); ok {
			if t, err := time.Parse(time.RFC3339, published); err == nil {
				created = t
			}
		}

		feedItems = append(feedItems,
			&feeds.Item{
				Id:      obj.ID(),
				Title:   title,
				Link:    &feeds.Link{Href: obj.ID()},
				Content: content,
				Author:  &feeds.Author{Name: bot.DisplayName},
				Created: created,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
