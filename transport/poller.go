package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ussd-airtime-bot/logging"
)

// InboundHandler receives one carrier message. A nil error marks the
// message handled and it is removed from the channel.
type InboundHandler func(ctx context.Context, channel, sender, text string) error

// Poller reads inbound SMS from every inbox channel on an interval.
type Poller struct {
	inboxes  map[string]Inbox
	handler  InboundHandler
	interval time.Duration
	log      *zap.Logger
}

func NewPoller(inboxes map[string]Inbox, handler InboundHandler, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		inboxes:  inboxes,
		handler:  handler,
		interval: interval,
		log:      logging.OrNop(log),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if len(p.inboxes) == 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce drains every inbox once and returns the number of handled messages.
func (p *Poller) PollOnce(ctx context.Context) int {
	handled := 0
	for name, inbox := range p.inboxes {
		msgs, err := inbox.Inbound(ctx)
		if err != nil {
			p.log.Warn("read inbound messages failed", zap.String("channel", name), zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			if err := p.handler(ctx, name, msg.Sender, msg.Text); err != nil {
				p.log.Warn("inbound message not handled", zap.String("channel", name),
					zap.String("sender", msg.Sender), zap.Error(err))
				continue
			}
			handled++
			if err := inbox.Delete(ctx, msg); err != nil {
				p.log.Warn("delete inbound message failed", zap.String("channel", name), zap.Int("id", msg.ID), zap.Error(err))
			}
		}
	}
	return handled
}
