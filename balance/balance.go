// Package balance refreshes the airtime balance of every SIM over USSD.
package balance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ussd-airtime-bot/events"
	"ussd-airtime-bot/logging"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/operator"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

// Identity recorded on notifications that hold a USSD balance reply.
const ussdIdentity = "USSD"

var numericToken = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Report is the outcome of one balance check.
type Report struct {
	SIM     model.SIM
	Balance string // last known balance when NoReply is set
	Review  bool   // Balance is raw reply text
	NoReply bool
	Err     error
}

func (r Report) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.SIM.OperatorName, r.Err)
	case r.NoReply:
		return fmt.Sprintf("%s: Unknown! Please try again later.", r.SIM.OperatorName)
	default:
		return fmt.Sprintf("%s: %s", r.SIM.OperatorName, r.Balance)
	}
}

type Updater struct {
	store     *store.Store
	dir       *operator.Directory
	exec      transport.Executor
	threshold *decimal.Decimal
	pub       events.Publisher
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Updater)

// WithLowThreshold publishes a low balance event when a parsed balance is
// below threshold. An empty threshold disables the alert.
func WithLowThreshold(threshold string) Option {
	return func(u *Updater) {
		if threshold == "" {
			return
		}
		if d, err := decimal.NewFromString(threshold); err == nil {
			u.threshold = &d
		}
	}
}

func WithPublisher(p events.Publisher) Option { return func(u *Updater) { u.pub = p } }
func WithLogger(l *zap.Logger) Option         { return func(u *Updater) { u.log = logging.OrNop(l) } }
func WithNow(now func() time.Time) Option     { return func(u *Updater) { u.now = now } }

func NewUpdater(st *store.Store, dir *operator.Directory, exec transport.Executor, opts ...Option) *Updater {
	u := &Updater{
		store: st,
		dir:   dir,
		exec:  exec,
		pub:   events.Nop{},
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UpdateAll checks every SIM. A failing SIM does not stop the others.
func (u *Updater) UpdateAll(ctx context.Context) ([]Report, error) {
	sims, err := u.store.ListSIMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sims: %w", err)
	}
	reports := make([]Report, 0, len(sims))
	for i := range sims {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := u.Check(ctx, &sims[i])
		if err != nil {
			u.log.Warn("balance check failed", zap.Stringer("sim", sims[i]), zap.Error(err))
			report.Err = err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Check runs the balance query of one SIM and stores the result. When the
// carrier does not answer the last known balance is kept.
func (u *Updater) Check(ctx context.Context, sim *model.SIM) (Report, error) {
	report := Report{SIM: *sim, Balance: sim.Balance, Review: sim.BalanceReview}

	op, err := u.dir.ByShort(sim.OperatorName)
	if err != nil {
		return report, err
	}
	command, err := op.BalanceCommand()
	if err != nil {
		return report, err
	}
	reply, ok, err := u.exec.Execute(ctx, sim.Channel, command)
	if err != nil {
		return report, err
	}
	if !ok {
		report.NoReply = true
		u.log.Info("no balance reply", zap.Stringer("sim", sim))
		return report, nil
	}

	now := u.now()
	notice := &model.Notification{
		SIMID:      sim.ID,
		Text:       reply,
		Identity:   ussdIdentity,
		Type:       model.NotificationBalance,
		ReceivedAt: now,
	}
	if err := u.store.CreateNotification(ctx, notice); err != nil {
		return report, fmt.Errorf("store balance reply: %w", err)
	}

	balance, numeric := ParseBalance(reply)
	sim.Balance = balance
	sim.BalanceReview = !numeric
	sim.LastCheck = now
	if err := u.store.SaveSIM(ctx, sim); err != nil {
		return report, fmt.Errorf("save balance: %w", err)
	}
	report.SIM = *sim
	report.Balance = balance
	report.Review = !numeric
	u.log.Info("balance updated", zap.Stringer("sim", sim), zap.String("balance", balance), zap.Bool("review", !numeric))

	if numeric {
		u.alertIfLow(ctx, sim, balance)
	}
	return report, nil
}

func (u *Updater) alertIfLow(ctx context.Context, sim *model.SIM, balance string) {
	if u.threshold == nil {
		return
	}
	value, err := decimal.NewFromString(balance)
	if err != nil || !value.LessThan(*u.threshold) {
		return
	}
	e := events.Event{
		Type:     events.TypeLowBalance,
		Operator: sim.OperatorName,
		Detail:   fmt.Sprintf("balance %s is below %s", balance, u.threshold.String()),
		At:       u.now(),
	}
	if err := u.pub.Publish(ctx, e); err != nil {
		u.log.Warn("publish low balance failed", zap.Error(err))
	}
}

// ParseBalance returns the first whitespace-delimited numeric token of a
// balance reply. Without one it returns the whole reply and false so the
// value can be reviewed by hand.
func ParseBalance(reply string) (string, bool) {
	for _, token := range strings.Fields(reply) {
		if numericToken.MatchString(token) {
			return token, true
		}
	}
	return reply, false
}
