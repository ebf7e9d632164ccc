package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/botpod/botpod/domain"
)

// ActivityStreamsContext is the JSON-LD context stamped on every outbound
// activity.
const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// emit finalizes an activity authored by a local bot and hands it to the
// distributor: stamps context, id, actor and timestamp, persists it, records
// it in the bot's outbox and inbox collections, then fans it out. A delivery
// scheduling failure is logged but does not unwind the local record; the
// activity already happened here.
func (p *Processor) emit(ctx context.Context, username string, activity domain.Document) error {
	activity["@context"] = ActivityStreamsContext
	activity["id"] = p.uris.NewActivity()
	activity["actor"] = p.uris.Actor(username)
	activity["published"] = time.Now().UTC().Format(time.RFC3339)

	owner := p.uris.Actor(username)
	if err := p.store.CreateObject(ctx, activity, owner, true); err != nil {
		return fmt.Errorf("persist activity: %w", err)
	}
	if err := p.store.AddMember(ctx, username, domain.OutboxCollection, activity.ID()); err != nil {
		return err
	}
	if err := p.store.AddMember(ctx, username, domain.InboxCollection, activity.ID()); err != nil {
		return err
	}

	if err := p.dist.Distribute(ctx, activity, username); err != nil {
		p.log.Warn("distribution failed", "activity", activity.ID(), "err", err)
	}
	return nil
}
