package transport

import (
	"context"
	"fmt"

	"ussd-airtime-bot/modem"
)

// ModemLink is the part of *modem.Modem a channel needs.
type ModemLink interface {
	RunUSSD(command string) (string, bool, error)
	ListSMS() ([]modem.SMS, error)
	DeleteSMS(index int) error
	Close() error
}

// ModemChannel dials USSD and reads SMS through a GSM modem.
type ModemChannel struct {
	name string
	link ModemLink
}

func NewModemChannel(name string, link ModemLink) *ModemChannel {
	return &ModemChannel{name: name, link: link}
}

func (c *ModemChannel) Dial(ctx context.Context, command string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	reply, ok, err := c.link.RunUSSD(command)
	if err != nil {
		return "", false, fmt.Errorf("%w: modem %s: %w", ErrTransportUnavailable, c.name, err)
	}
	return reply, ok, nil
}

func (c *ModemChannel) Inbound(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := c.link.ListSMS()
	if err != nil {
		return nil, fmt.Errorf("%w: modem %s: %w", ErrTransportUnavailable, c.name, err)
	}
	msgs := make([]Message, 0, len(list))
	for _, sms := range list {
		msgs = append(msgs, Message{Channel: c.name, ID: sms.Index, Sender: sms.Sender, Text: sms.Text})
	}
	return msgs, nil
}

func (c *ModemChannel) Delete(_ context.Context, msg Message) error {
	return c.link.DeleteSMS(msg.ID)
}

func (c *ModemChannel) Close() error {
	return c.link.Close()
}
