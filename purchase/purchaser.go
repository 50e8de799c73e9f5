package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ussd-airtime-bot/model"
	"ussd-airtime-bot/store"
)

type PurchaserConfig struct {
	Interval     time.Duration // pause between queue scans
	PollInterval time.Duration // pause between confirmation checks
	MaxPolls     int           // checks before Pending is forced to Unknown
}

// Purchaser drains Queued transactions one operator at a time, waiting for
// each purchase to be confirmed or to time out before dialling the next.
type Purchaser struct {
	machine *Machine
	store   *store.Store
	config  PurchaserConfig
	log     *zap.Logger
}

func NewPurchaser(m *Machine, st *store.Store, cfg PurchaserConfig) *Purchaser {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 10
	}
	return &Purchaser{
		machine: m,
		store:   st,
		config:  cfg,
		log:     m.log.Named("purchaser"),
	}
}

// Run scans the queue until ctx is cancelled.
func (p *Purchaser) Run(ctx context.Context) error {
	p.log.Info("purchaser started", zap.Duration("interval", p.config.Interval))
	for {
		if err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("purchaser cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("purchaser stopped")
			return ctx.Err()
		case <-p.machine.clock.After(p.config.Interval):
		}
	}
}

// RunOnce makes one pass over the queue.
func (p *Purchaser) RunOnce(ctx context.Context) error {
	queued, err := p.store.TransactionsByStatus(ctx, model.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued transactions: %w", err)
	}

	var order []string
	groups := make(map[string][]model.Transaction)
	for _, tx := range queued {
		if _, seen := groups[tx.Operator]; !seen {
			order = append(order, tx.Operator)
		}
		groups[tx.Operator] = append(groups[tx.Operator], tx)
	}

	for _, name := range order {
		reason, halted, err := p.machine.Halted(ctx, name)
		if err != nil {
			p.log.Warn("halt check failed, queue skipped", zap.String("operator", name), zap.Error(err))
			continue
		}
		if halted {
			p.log.Warn("operator halted, queue skipped", zap.String("operator", name), zap.String("reason", reason))
			continue
		}
		if err := p.drain(ctx, name, groups[name]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("operator queue interrupted", zap.String("operator", name), zap.Error(err))
		}
	}
	return nil
}

// drain processes one operator's queue to completion. It stops at the
// first item that cannot be dialled now; the rest wait for the next cycle.
// Items that left the queue since the scan are skipped.
func (p *Purchaser) drain(ctx context.Context, name string, txs []model.Transaction) error {
	for _, tx := range txs {
		// an on-demand purchase may still be waiting for its confirmation
		if err := p.awaitConfirmation(ctx, name); err != nil {
			return err
		}

		res, err := p.machine.InitiateQueued(ctx, tx.ID)
		switch {
		case errors.Is(err, ErrNotQueued):
			p.log.Debug("transaction left the queue", zap.String("ref", tx.Ref))
			continue
		case errors.Is(err, ErrInvalidDestination), errors.Is(err, ErrInvalidRequest):
			if derr := p.machine.Discard(ctx, tx.ID, err.Error()); derr != nil {
				p.log.Warn("discard failed", zap.String("ref", tx.Ref), zap.Error(derr))
			}
			continue
		case err != nil:
			return fmt.Errorf("initiate %s: %w", tx.Ref, err)
		case res.NoReply:
			return fmt.Errorf("initiate %s: %s", tx.Ref, res.Message())
		case res.Rejected:
			p.log.Warn("purchase rejected by carrier", zap.String("ref", res.Transaction.Ref), zap.String("reply", res.Reply))
			continue
		}

		if err := p.awaitConfirmation(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// awaitConfirmation blocks while the operator has a Pending transaction,
// checking every PollInterval. After MaxPolls checks the Pending
// transactions are forced to Unknown.
func (p *Purchaser) awaitConfirmation(ctx context.Context, name string) error {
	pending, err := p.machine.FindPending(ctx, name)
	if err != nil || pending == nil {
		return err
	}
	for i := 0; i < p.config.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.machine.clock.After(p.config.PollInterval):
		}
		pending, err = p.machine.FindPending(ctx, name)
		if err != nil || pending == nil {
			return err
		}
		p.log.Debug("waiting for confirmation", zap.String("ref", pending.Ref), zap.Int("check", i+1))
	}

	waited := time.Duration(p.config.MaxPolls) * p.config.PollInterval
	n, err := p.machine.ExpirePending(ctx, name, fmt.Sprintf("no confirmation after %s", waited))
	if err != nil {
		return err
	}
	p.log.Warn("pending purchase timed out", zap.String("operator", name), zap.Int("expired", n), zap.Duration("waited", waited))
	return nil
}
