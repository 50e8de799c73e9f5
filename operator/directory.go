// Package operator holds the per-operator metadata records: USSD code
// templates, sender identities and notification prefix tables.
package operator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"ussd-airtime-bot/model"
)

// Record keys of the operator metadata file.
const (
	FieldShort           = "Operator Short"
	FieldLong            = "Operator Long"
	FieldUSSDBalance     = "USSD Balance"
	FieldUSSDPurchase    = "USSD Bundle Purchase"
	FieldUSSDRecharge    = "USSD Recharge"
	FieldIdentities      = "Operator Identities"
	FieldPrefixes        = "Notification Prefixes"
	FieldRejections      = "Rejection Prefixes"
	defaultRejectionText = "operation"
)

var ErrNotFound = errors.New("operator not found")

// Prefix maps a leading text fragment of a carrier message to a notification type.
type Prefix struct {
	Prefix string                 `json:"Prefix"`
	Type   model.NotificationType `json:"Type"`
}

// Operator is one immutable metadata record.
type Operator struct {
	Short         string   `json:"Operator Short"`
	Long          string   `json:"Operator Long"`
	USSDBalance   string   `json:"USSD Balance"`
	USSDPurchase  string   `json:"USSD Bundle Purchase"`
	USSDRecharge  string   `json:"USSD Recharge"`
	Identities    []string `json:"Operator Identities"`
	Prefixes      []Prefix `json:"Notification Prefixes"`
	RejectionText []string `json:"Rejection Prefixes"`

	fields map[string]string
}

// Field returns a string-valued field of the raw record.
func (o *Operator) Field(name string) (string, bool) {
	v, ok := o.fields[name]
	return v, ok
}

// HasIdentity reports whether identity is one of the operator's sender identities.
func (o *Operator) HasIdentity(identity string) bool {
	for _, id := range o.Identities {
		if id == identity {
			return true
		}
	}
	return false
}

// Directory is the operator metadata loaded once at start-up. It is never
// mutated afterwards and may be shared between goroutines.
type Directory struct {
	operators []*Operator
}

func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator records: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON array of operator records.
func Parse(data []byte) (*Directory, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode operator records: %w", err)
	}

	operators := make([]*Operator, 0, len(raw))
	for i, record := range raw {
		op, err := decodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("operator record %d: %w", i, err)
		}
		operators = append(operators, op)
	}
	return New(operators...)
}

func decodeRecord(record map[string]json.RawMessage) (*Operator, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var op Operator
	if err := json.Unmarshal(encoded, &op); err != nil {
		return nil, err
	}

	op.fields = make(map[string]string, len(record))
	for key, value := range record {
		var s string
		if json.Unmarshal(value, &s) == nil {
			op.fields[key] = s
		}
	}
	return &op, nil
}

// New builds a directory from already decoded operators, preserving order.
func New(operators ...*Operator) (*Directory, error) {
	seen := make(map[string]bool, len(operators))
	for _, op := range operators {
		if op.Short == "" {
			return nil, fmt.Errorf("operator without %q", FieldShort)
		}
		if seen[op.Short] {
			return nil, fmt.Errorf("duplicate operator %q", op.Short)
		}
		seen[op.Short] = true

		if op.fields == nil {
			op.fields = map[string]string{
				FieldShort:        op.Short,
				FieldLong:         op.Long,
				FieldUSSDBalance:  op.USSDBalance,
				FieldUSSDPurchase: op.USSDPurchase,
				FieldUSSDRecharge: op.USSDRecharge,
			}
		}
		if len(op.RejectionText) == 0 {
			op.RejectionText = []string{defaultRejectionText}
		}
		sortPrefixes(op.Prefixes)
	}
	return &Directory{operators: operators}, nil
}

// Longer prefixes first so "3049" is tested before "304" or "30".
func sortPrefixes(prefixes []Prefix) {
	sort.SliceStable(prefixes, func(i, j int) bool {
		return len(prefixes[i].Prefix) > len(prefixes[j].Prefix)
	})
}

func (d *Directory) All() []*Operator {
	out := make([]*Operator, len(d.operators))
	copy(out, d.operators)
	return out
}

// ByField returns the first operator whose string field equals value.
func (d *Directory) ByField(field, value string) (*Operator, error) {
	for _, op := range d.operators {
		if v, ok := op.Field(field); ok && v == value {
			return op, nil
		}
	}
	return nil, fmt.Errorf("%w: %s=%q", ErrNotFound, field, value)
}

func (d *Directory) ByShort(name string) (*Operator, error) {
	return d.ByField(FieldShort, name)
}

// ByIdentity returns the first operator listing identity among its senders.
func (d *Directory) ByIdentity(identity string) (*Operator, error) {
	for _, op := range d.operators {
		if op.HasIdentity(identity) {
			return op, nil
		}
	}
	return nil, fmt.Errorf("%w: identity %q", ErrNotFound, identity)
}

// IsRejection reports whether a synchronous USSD reply is an immediate
// carrier-side refusal.
func (o *Operator) IsRejection(reply string) bool {
	text := strings.ToLower(strings.TrimSpace(reply))
	for _, prefix := range o.RejectionText {
		if prefix != "" && strings.HasPrefix(text, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
