// Package purchase tracks bundle purchases and recharges from the USSD
// request to the carrier's confirmation message.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ussd-airtime-bot/events"
	"ussd-airtime-bot/lock"
	"ussd-airtime-bot/logging"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/operator"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

const tryAgainLater = "Please try again later!"

// Request identifies a purchase or recharge. Crux is the destination for
// bundle purchases and the recharge code for recharges.
type Request struct {
	SIMID  uint
	Kind   model.TransactionKind
	Crux   string
	Amount string
}

// Result is the outcome of an Initiate call that reached the carrier.
type Result struct {
	Transaction *model.Transaction
	Reply       string
	NoReply     bool // carrier did not answer; nothing was recorded
	Rejected    bool // carrier refused the request immediately
}

// Message is the text shown to whoever triggered the request.
func (r *Result) Message() string {
	if r.NoReply {
		return tryAgainLater
	}
	return r.Reply
}

// Machine owns every status change of a transaction. Changes for one
// operator happen inside that operator's lock, so at most one transaction
// per operator is ever Pending.
type Machine struct {
	store    *store.Store
	dir      *operator.Directory
	exec     transport.Executor
	locker   lock.Locker
	clock    Clock
	pub      events.Publisher
	log      *zap.Logger
}

type Option func(*Machine)

func WithLocker(l lock.Locker) Option         { return func(m *Machine) { m.locker = l } }
func WithClock(c Clock) Option                { return func(m *Machine) { m.clock = c } }
func WithPublisher(p events.Publisher) Option { return func(m *Machine) { m.pub = p } }
func WithLogger(l *zap.Logger) Option         { return func(m *Machine) { m.log = logging.OrNop(l) } }

func New(st *store.Store, dir *operator.Directory, exec transport.Executor, opts ...Option) *Machine {
	m := &Machine{
		store:  st,
		dir:    dir,
		exec:   exec,
		locker: lock.NewMemory(),
		clock:  RealClock(),
		pub:    events.Nop{},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Clock() Clock { return m.clock }

// Enqueue records a request as Queued without contacting the carrier.
func (m *Machine) Enqueue(ctx context.Context, req Request) (*model.Transaction, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	sim, op, err := m.simOperator(ctx, req.SIMID)
	if err != nil {
		return nil, err
	}
	tx := &model.Transaction{
		Ref:      uuid.NewString(),
		Kind:     req.Kind,
		SIMID:    sim.ID,
		Operator: op.Short,
		Crux:     req.Crux,
		Amount:   req.Amount,
		Status:   model.StatusQueued,
	}
	if err := m.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", tx.Ref, err)
	}
	m.log.Info("transaction queued", zap.String("ref", tx.Ref), zap.String("operator", tx.Operator),
		zap.String("crux", tx.Crux), zap.String("amount", tx.Amount))
	return tx, nil
}

// Initiate dials the request. A Queued transaction matching (sim, crux,
// amount) is promoted in place; otherwise a new transaction is created.
// force expires whatever is Pending for the operator and lifts a halt.
func (m *Machine) Initiate(ctx context.Context, req Request, force bool) (*Result, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	sim, op, err := m.simOperator(ctx, req.SIMID)
	if err != nil {
		return nil, err
	}
	command, err := buildCommand(op, sim, req)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, op.Short)
	if err != nil {
		return nil, fmt.Errorf("lock operator %s: %w", op.Short, err)
	}
	defer unlock()

	if err := m.guard(ctx, op.Short, force); err != nil {
		return nil, err
	}
	return m.dial(ctx, sim, op, req, command, nil)
}

// InitiateQueued dials the Queued transaction id and promotes exactly that
// record. It fails with ErrNotQueued when the transaction already left the
// queue, for example through an on-demand purchase of the same request.
func (m *Machine) InitiateQueued(ctx context.Context, id uint) (*Result, error) {
	tx, err := m.store.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err := normalize(Request{SIMID: tx.SIMID, Kind: tx.Kind, Crux: tx.Crux, Amount: tx.Amount})
	if err != nil {
		return nil, err
	}
	sim, op, err := m.simOperator(ctx, req.SIMID)
	if err != nil {
		return nil, err
	}
	command, err := buildCommand(op, sim, req)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, op.Short)
	if err != nil {
		return nil, fmt.Errorf("lock operator %s: %w", op.Short, err)
	}
	defer unlock()

	// reload under the lock
	if tx, err = m.store.Transaction(ctx, id); err != nil {
		return nil, err
	}
	if tx.Status != model.StatusQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, tx.Ref, tx.Status)
	}
	if err := m.guard(ctx, op.Short, false); err != nil {
		return nil, err
	}
	return m.dial(ctx, sim, op, req, command, tx)
}

// guard enforces the single Pending rule for the operator. Callers hold the
// operator lock.
func (m *Machine) guard(ctx context.Context, operatorName string, force bool) error {
	reason, halted, err := m.Halted(ctx, operatorName)
	if err != nil {
		return err
	}
	if halted && !force {
		return fmt.Errorf("%w: %s: %s", ErrOperatorHalted, operatorName, reason)
	}
	pending, err := m.findPending(ctx, operatorName)
	switch {
	case errors.Is(err, ErrAmbiguousPending) && force:
	case err != nil:
		return err
	case pending != nil && !force:
		return fmt.Errorf("%w: %s", ErrPurchasePending, pending.Ref)
	}
	if force {
		if _, err := m.expire(ctx, operatorName, "superseded by a forced purchase"); err != nil {
			return err
		}
		return m.lift(ctx, operatorName)
	}
	return nil
}

// dial sends command and records the outcome on tx. A nil tx means the
// oldest Queued transaction matching req, or a new one.
func (m *Machine) dial(ctx context.Context, sim *model.SIM, op *operator.Operator, req Request, command string, tx *model.Transaction) (*Result, error) {
	reply, ok, err := m.exec.Execute(ctx, sim.Channel, command)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.log.Info("no reply from carrier", zap.String("operator", op.Short), zap.String("crux", req.Crux))
		return &Result{NoReply: true}, nil
	}

	if tx == nil {
		if tx, err = m.store.FindQueued(ctx, sim.ID, req.Kind, req.Crux, req.Amount); err != nil {
			return nil, err
		}
	}
	if tx == nil {
		tx = &model.Transaction{
			Ref:      uuid.NewString(),
			Kind:     req.Kind,
			SIMID:    sim.ID,
			Operator: op.Short,
			Crux:     req.Crux,
			Amount:   req.Amount,
		}
	}
	now := m.clock.Now()
	tx.InitiatedAt = &now
	tx.Note = reply
	tx.Status = model.StatusPending
	result := &Result{Transaction: tx, Reply: reply}
	if op.IsRejection(reply) {
		tx.Status = model.StatusFailure
		result.Rejected = true
	}

	if tx.ID == 0 {
		err = m.store.CreateTransaction(ctx, tx)
	} else {
		err = m.store.SaveTransaction(ctx, tx)
	}
	if err != nil {
		return nil, fmt.Errorf("record transaction %s: %w", tx.Ref, err)
	}
	m.log.Info("transaction initiated", zap.String("ref", tx.Ref), zap.String("operator", tx.Operator),
		zap.Stringer("status", tx.Status), zap.String("reply", reply))
	m.publishStatus(ctx, tx)
	return result, nil
}

// Resolve links a stored notification to the operator's Pending
// transaction. It returns nil when nothing is Pending.
func (m *Machine) Resolve(ctx context.Context, n *model.Notification) (*model.Transaction, error) {
	sim, err := m.store.SIM(ctx, n.SIMID)
	if err != nil {
		return nil, err
	}
	name := sim.OperatorName

	unlock, err := m.locker.Lock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lock operator %s: %w", name, err)
	}
	defer unlock()

	tx, err := m.findPending(ctx, name)
	if err != nil || tx == nil {
		return nil, err
	}
	tx.NotificationID = &n.ID
	tx.Status = operator.StatusFor(n.Type)
	tx.Note = n.Text
	if err := m.store.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", tx.Ref, err)
	}
	m.log.Info("transaction resolved", zap.String("ref", tx.Ref), zap.String("operator", name),
		zap.Stringer("notification", n.Type), zap.Stringer("status", tx.Status))
	m.publishStatus(ctx, tx)
	return tx, nil
}

// HandleInbound stores a carrier message from identity and resolves the
// operator's Pending transaction with it.
func (m *Machine) HandleInbound(ctx context.Context, identity, text string) (*model.Notification, *model.Transaction, error) {
	op, err := m.dir.ByIdentity(identity)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSender, identity)
	}
	sim, err := m.store.SIMByOperator(ctx, op.Short)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: no sim configured for %s", ErrUnknownOperator, op.Short)
		}
		return nil, nil, err
	}

	n := &model.Notification{
		SIMID:      sim.ID,
		Text:       text,
		Identity:   identity,
		Type:       op.Classify(text),
		ReceivedAt: m.clock.Now(),
	}
	if err := m.store.CreateNotification(ctx, n); err != nil {
		return nil, nil, fmt.Errorf("store notification: %w", err)
	}
	m.log.Info("notification received", zap.String("operator", op.Short), zap.String("identity", identity),
		zap.Stringer("type", n.Type))

	tx, err := m.Resolve(ctx, n)
	return n, tx, err
}

// FindPending returns the operator's single Pending transaction or nil.
func (m *Machine) FindPending(ctx context.Context, operatorName string) (*model.Transaction, error) {
	return m.findPending(ctx, operatorName)
}

func (m *Machine) findPending(ctx context.Context, operatorName string) (*model.Transaction, error) {
	txs, err := m.store.TransactionsByOperatorStatus(ctx, operatorName, model.StatusPending)
	if err != nil {
		return nil, err
	}
	switch len(txs) {
	case 0:
		return nil, nil
	case 1:
		return &txs[0], nil
	}

	ambiguous := &AmbiguousPendingError{Operator: operatorName}
	for _, tx := range txs {
		ambiguous.Refs = append(ambiguous.Refs, tx.Ref)
	}
	m.halt(ctx, operatorName, ambiguous.Error())
	return nil, ambiguous
}

// ExpirePending forces every Pending transaction of the operator to Unknown.
func (m *Machine) ExpirePending(ctx context.Context, operatorName, reason string) (int, error) {
	unlock, err := m.locker.Lock(ctx, operatorName)
	if err != nil {
		return 0, fmt.Errorf("lock operator %s: %w", operatorName, err)
	}
	defer unlock()
	return m.expire(ctx, operatorName, reason)
}

func (m *Machine) expire(ctx context.Context, operatorName, reason string) (int, error) {
	txs, err := m.store.TransactionsByOperatorStatus(ctx, operatorName, model.StatusPending)
	if err != nil {
		return 0, err
	}
	for i := range txs {
		tx := &txs[i]
		tx.Status = model.StatusUnknown
		tx.Note = reason
		if err := m.store.SaveTransaction(ctx, tx); err != nil {
			return i, fmt.Errorf("expire %s: %w", tx.Ref, err)
		}
		m.log.Warn("pending transaction expired", zap.String("ref", tx.Ref), zap.String("operator", operatorName),
			zap.String("reason", reason))
		m.publishStatus(ctx, tx)
	}
	return len(txs), nil
}

// Discard fails a Queued transaction that can never be dialled.
func (m *Machine) Discard(ctx context.Context, id uint, reason string) error {
	tx, err := m.store.Transaction(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := m.locker.Lock(ctx, tx.Operator)
	if err != nil {
		return fmt.Errorf("lock operator %s: %w", tx.Operator, err)
	}
	defer unlock()

	// reload under the lock
	if tx, err = m.store.Transaction(ctx, id); err != nil {
		return err
	}
	if tx.Status != model.StatusQueued {
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, tx.Ref, tx.Status)
	}
	tx.Status = model.StatusFailure
	tx.Note = reason
	if err := m.store.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("discard %s: %w", tx.Ref, err)
	}
	m.log.Warn("queued transaction discarded", zap.String("ref", tx.Ref), zap.String("reason", reason))
	m.publishStatus(ctx, tx)
	return nil
}

// Halted reports whether automatic processing of the operator is stopped.
// Halts live in the store, so every process sharing it agrees.
func (m *Machine) Halted(ctx context.Context, operatorName string) (string, bool, error) {
	h, err := m.store.Halt(ctx, operatorName)
	if err != nil {
		return "", false, fmt.Errorf("load halt %s: %w", operatorName, err)
	}
	if h == nil {
		return "", false, nil
	}
	return h.Reason, true, nil
}

func (m *Machine) HaltedOperators(ctx context.Context) ([]string, error) {
	halts, err := m.store.ListHalts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(halts))
	for _, h := range halts {
		names = append(names, h.Operator)
	}
	return names, nil
}

// Clear is the manual recovery for a halted operator: every Pending
// transaction becomes Unknown and automatic processing resumes.
func (m *Machine) Clear(ctx context.Context, operatorName string) (int, error) {
	if _, err := m.dir.ByShort(operatorName); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperator, operatorName)
	}
	unlock, err := m.locker.Lock(ctx, operatorName)
	if err != nil {
		return 0, fmt.Errorf("lock operator %s: %w", operatorName, err)
	}
	defer unlock()

	n, err := m.expire(ctx, operatorName, "cleared manually")
	if err != nil {
		return n, err
	}
	if err := m.lift(ctx, operatorName); err != nil {
		return n, err
	}
	m.log.Info("operator cleared", zap.String("operator", operatorName), zap.Int("expired", n))
	return n, nil
}

func (m *Machine) halt(ctx context.Context, operatorName, reason string) {
	created, err := m.store.SetHalt(ctx, operatorName, reason)
	if err != nil {
		m.log.Error("record halt failed", zap.String("operator", operatorName), zap.Error(err))
	}
	m.log.Error("ambiguous pending state, operator halted", zap.String("operator", operatorName), zap.String("reason", reason))
	if created {
		m.publish(ctx, events.Event{Type: events.TypeHalted, Operator: operatorName, Detail: reason, At: m.clock.Now()})
	}
}

func (m *Machine) lift(ctx context.Context, operatorName string) error {
	if err := m.store.DeleteHalt(ctx, operatorName); err != nil {
		return fmt.Errorf("lift halt %s: %w", operatorName, err)
	}
	return nil
}

func (m *Machine) publishStatus(ctx context.Context, tx *model.Transaction) {
	m.publish(ctx, events.Event{
		Type:     events.TypeStatus,
		Ref:      tx.Ref,
		Operator: tx.Operator,
		Status:   tx.Status.String(),
		Detail:   tx.String(),
		At:       m.clock.Now(),
	})
}

func (m *Machine) publish(ctx context.Context, e events.Event) {
	if err := m.pub.Publish(ctx, e); err != nil {
		m.log.Warn("publish event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (m *Machine) simOperator(ctx context.Context, simID uint) (*model.SIM, *operator.Operator, error) {
	sim, err := m.store.SIM(ctx, simID)
	if err != nil {
		return nil, nil, fmt.Errorf("load sim %d: %w", simID, err)
	}
	op, err := m.dir.ByShort(sim.OperatorName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownOperator, sim.OperatorName)
	}
	return sim, op, nil
}

func normalize(req Request) (Request, error) {
	if req.Kind == "" {
		req.Kind = model.KindBundlePurchase
	}
	req.Crux = strings.TrimSpace(req.Crux)
	req.Amount = strings.TrimSpace(req.Amount)

	switch req.Kind {
	case model.KindBundlePurchase:
		if err := ValidateDestination(req.Crux); err != nil {
			return req, err
		}
		if req.Amount == "" {
			return req, fmt.Errorf("%w: amount is required", ErrInvalidRequest)
		}
	case model.KindRecharge:
		if req.Crux == "" {
			return req, fmt.Errorf("%w: recharge code is required", ErrInvalidRequest)
		}
	default:
		return req, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	return req, nil
}

// ValidateDestination accepts local-format numbers only.
func ValidateDestination(destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidDestination)
	}
	if strings.HasPrefix(destination, "+") {
		return fmt.Errorf("%w: %s: please try again without international prefix", ErrInvalidDestination, destination)
	}
	return nil
}

func buildCommand(op *operator.Operator, sim *model.SIM, req Request) (string, error) {
	if req.Kind == model.KindRecharge {
		return op.RechargeCommand(req.Crux, sim.PIN)
	}
	return op.PurchaseCommand(req.Crux, req.Amount, sim.PIN)
}
