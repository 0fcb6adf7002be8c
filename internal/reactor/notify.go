package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/signer"
)

// ErrNoSecret means outbound notifications cannot be signed.
var ErrNoSecret = errors.New("NEXUS_SECRET not configured, cannot sign outbound webhooks")

// HandleMintOutcome posts the event to every interested node in order. A
// node that cannot be reached is logged and skipped; nothing is retried.
func (c *Chain) HandleMintOutcome(ctx context.Context, ev event.Event) error {
	if !c.signer.Enabled() {
		c.logger.WithContext(ctx).WithEvent(string(ev.Type)).Error(ErrNoSecret.Error())
		return ErrNoSecret
	}

	var failed int
	for _, node := range c.targets[ev.Type] {
		if err := c.notify(ctx, node, ev); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d node notifications failed", failed, len(c.targets[ev.Type]))
	}
	return nil
}

func (c *Chain) notify(ctx context.Context, node string, ev event.Event) error {
	log := c.logger.WithContext(ctx).WithEvent(string(ev.Type)).WithField("node", node)

	base, err := c.nodes.Resolve(ctx, node)
	if err != nil {
		log.WithError(err).Warn("no url for node, skipping notification")
		return nil
	}
	url := base + "/api/webhook/nexus"

	body, err := json.Marshal(event.Notification{
		Event:     ev.Type,
		Payload:   ev.Payload,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	headers := map[string]string{signer.Header: c.signer.Sign(body)}
	resp, err := delivery.Post(ctx, c.client, node, url, headers, body, c.timeout)
	if err != nil {
		log.WithField("url", url).WithError(err).Error("failed to notify node")
		return err
	}
	log.WithField("status", resp.Status).Info("node notified")
	return nil
}
