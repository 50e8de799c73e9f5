package model

import (
	"fmt"
	"time"
)

// SIM is a physical subscriber line reachable through a transport channel.
type SIM struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	OperatorName string `gorm:"size:20;index;uniqueIndex:uk_sims_channel_operator"`
	Channel      string `gorm:"size:64;uniqueIndex:uk_sims_channel_operator"`
	PIN          string `gorm:"size:16" json:"-"`

	// Last known balance, raw reply text when no number could be parsed
	Balance       string `gorm:"size:500"`
	BalanceReview bool   `gorm:"default:false"`
	LastCheck     time.Time
}

func (s SIM) String() string {
	return fmt.Sprintf("%s (%s)", s.OperatorName, s.Channel)
}

type NotificationType string

const (
	NotificationUnknown  NotificationType = "U"
	NotificationReceived NotificationType = "R"
	NotificationSuccess  NotificationType = "S"
	NotificationFailure  NotificationType = "F"
	NotificationBalance  NotificationType = "B"
)

func (t NotificationType) String() string {
	switch t {
	case NotificationReceived:
		return "Receive Airtime"
	case NotificationSuccess:
		return "Purchase Success"
	case NotificationFailure:
		return "Purchase Failure"
	case NotificationBalance:
		return "Airtime Balance"
	default:
		return "Unknown"
	}
}

// Notification is an inbound carrier message. Never updated after creation.
type Notification struct {
	ID         uint             `gorm:"primaryKey"`
	SIMID      uint             `gorm:"column:sim_id;index"`
	SIM        SIM              `gorm:"foreignKey:SIMID"`
	Text       string           `gorm:"size:500"`
	Identity   string           `gorm:"size:160"`
	Type       NotificationType `gorm:"size:1;default:U"`
	ReceivedAt time.Time        `gorm:"index"`
}

type TransactionKind string

const (
	KindBundlePurchase TransactionKind = "bundle_purchase"
	KindRecharge       TransactionKind = "recharge"
)

type TransactionStatus string

const (
	StatusQueued  TransactionStatus = "Q"
	StatusPending TransactionStatus = "P"
	StatusSuccess TransactionStatus = "S"
	StatusFailure TransactionStatus = "F"
	StatusUnknown TransactionStatus = "U"
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusPending:
		return "Pending"
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status can no longer change without a force.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusUnknown
}

// Transaction is a bundle purchase or a recharge requested against a SIM.
// Crux holds the destination for purchases and the recharge code for recharges.
type Transaction struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Ref      string          `gorm:"size:36;uniqueIndex"`
	Kind     TransactionKind `gorm:"size:20;index"`
	SIMID    uint            `gorm:"column:sim_id;index"`
	SIM      SIM             `gorm:"foreignKey:SIMID"`
	Operator string          `gorm:"size:20;index:idx_transactions_operator_status"`
	Crux     string          `gorm:"size:160"`
	Amount   string          `gorm:"size:160"`

	Status      TransactionStatus `gorm:"size:1;default:Q;index:idx_transactions_operator_status;index:idx_transactions_status"`
	InitiatedAt *time.Time

	NotificationID *uint
	Notification   *Notification `gorm:"foreignKey:NotificationID"`

	// Carrier reply or reason for the last transition
	Note string `gorm:"size:500"`
}

func (t Transaction) Destination() string {
	if t.Kind == KindBundlePurchase {
		return t.Crux
	}
	return ""
}

func (t Transaction) RechargeCode() string {
	if t.Kind == KindRecharge {
		return t.Crux
	}
	return ""
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s: %s to %s, %s", t.Operator, t.Amount, t.Crux, t.Status)
}

// Halt stops automatic processing for an operator until someone clears it.
// Every process sharing the database sees it.
type Halt struct {
	Operator  string `gorm:"primaryKey;size:20"`
	Reason    string `gorm:"size:500"`
	CreatedAt time.Time
}

// All lists every model for migration.
func All() []any {
	return []any{&SIM{}, &Notification{}, &Transaction{}, &Halt{}}
}
