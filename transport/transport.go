// Package transport dispatches USSD commands over named channels and
// collects inbound carrier messages from them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ussd-airtime-bot/logging"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrUnknownChannel       = fmt.Errorf("%w: unknown channel", ErrTransportUnavailable)
)

// Executor sends a USSD command through a channel. ok is false when the
// carrier did not answer; that is a normal outcome, not an error.
type Executor interface {
	Execute(ctx context.Context, channel, command string) (reply string, ok bool, err error)
}

// Dialer is a single channel able to run USSD sessions.
type Dialer interface {
	Dial(ctx context.Context, command string) (reply string, ok bool, err error)
}

// Message is an inbound SMS read from a channel.
type Message struct {
	Channel string
	ID      int
	Sender  string
	Text    string
}

// Inbox is implemented by channels that store inbound messages.
type Inbox interface {
	Inbound(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Router maps channel names to dialers.
type Router struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
	log     *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{
		dialers: make(map[string]Dialer),
		log:     logging.OrNop(log),
	}
}

// Register adds or replaces the dialer for a channel name.
func (r *Router) Register(name string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = d
}

func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Inboxes returns every registered channel that stores inbound messages.
func (r *Router) Inboxes() map[string]Inbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inboxes := make(map[string]Inbox)
	for name, d := range r.dialers {
		if in, ok := d.(Inbox); ok {
			inboxes[name] = in
		}
	}
	return inboxes
}

func (r *Router) Execute(ctx context.Context, channel, command string) (string, bool, error) {
	r.mu.RLock()
	d, found := r.dialers[channel]
	r.mu.RUnlock()
	if !found {
		return "", false, fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	reply, ok, err := d.Dial(ctx, command)
	if err != nil {
		r.log.Warn("ussd dispatch failed", zap.String("channel", channel), zap.String("ussd", command), zap.Error(err))
		if !errors.Is(err, ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, channel, err)
		}
		return "", false, err
	}
	r.log.Debug("ussd dispatched", zap.String("channel", channel), zap.String("ussd", command), zap.Bool("replied", ok))
	return reply, ok, nil
}

// Close closes every dialer that holds a resource.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, d := range r.dialers {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
