package operator

import (
	"encoding/json"
	"fmt"
	"strings"

	"ussd-airtime-bot/model"
)

// Classify maps a notification text to its type using the operator's own
// prefix table. Prefixes are tested longest first; no match is Unknown.
func (o *Operator) Classify(text string) model.NotificationType {
	trimmed := strings.TrimSpace(text)
	for _, p := range o.Prefixes {
		if p.Prefix != "" && strings.HasPrefix(trimmed, p.Prefix) {
			return p.Type
		}
	}
	return model.NotificationUnknown
}

// StatusFor is the transaction status a resolving notification implies.
// Received counts as Success: the bundle reached the destination. Older
// deployments recorded it as Unknown.
func StatusFor(t model.NotificationType) model.TransactionStatus {
	switch t {
	case model.NotificationSuccess, model.NotificationReceived:
		return model.StatusSuccess
	case model.NotificationFailure:
		return model.StatusFailure
	default:
		return model.StatusUnknown
	}
}

var typeNames = map[string]model.NotificationType{
	"unknown":  model.NotificationUnknown,
	"balance":  model.NotificationBalance,
	"received": model.NotificationReceived,
	"success":  model.NotificationSuccess,
	"failure":  model.NotificationFailure,
}

// UnmarshalJSON accepts both the one-letter codes and the type names.
func (p *Prefix) UnmarshalJSON(data []byte) error {
	var raw struct {
		Prefix string `json:"Prefix"`
		Type   string `json:"Type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Prefix = raw.Prefix
	if t, ok := typeNames[strings.ToLower(raw.Type)]; ok {
		p.Type = t
		return nil
	}
	switch t := model.NotificationType(strings.ToUpper(raw.Type)); t {
	case model.NotificationUnknown, model.NotificationBalance, model.NotificationReceived,
		model.NotificationSuccess, model.NotificationFailure:
		p.Type = t
		return nil
	}
	return fmt.Errorf("prefix %q: unknown notification type %q", raw.Prefix, raw.Type)
}
