// Package store persists SIMs, notifications and transactions with gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ussd-airtime-bot/config"
	"ussd-airtime-bot/model"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

// Open opens the SQLite database at path (":memory:" for tests) and migrates it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:" shared.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- SIMs ---

// SyncSIMs creates the configured SIMs that do not exist yet and updates
// the PIN of those that do. Balances are left untouched.
func (s *Store) SyncSIMs(ctx context.Context, sims []config.SIM) ([]model.SIM, error) {
	out := make([]model.SIM, 0, len(sims))
	for _, c := range sims {
		var sim model.SIM
		err := s.db.WithContext(ctx).
			Where(model.SIM{OperatorName: c.Operator, Channel: c.Channel}).
			Attrs(model.SIM{PIN: c.PIN}).
			FirstOrCreate(&sim).Error
		if err != nil {
			return nil, fmt.Errorf("sync sim %s/%s: %w", c.Channel, c.Operator, err)
		}
		if sim.PIN != c.PIN {
			sim.PIN = c.PIN
			if err := s.SaveSIM(ctx, &sim); err != nil {
				return nil, err
			}
		}
		out = append(out, sim)
	}
	return out, nil
}

func (s *Store) CreateSIM(ctx context.Context, sim *model.SIM) error {
	return s.db.WithContext(ctx).Create(sim).Error
}

func (s *Store) SaveSIM(ctx context.Context, sim *model.SIM) error {
	return s.db.WithContext(ctx).Save(sim).Error
}

func (s *Store) SIM(ctx context.Context, id uint) (*model.SIM, error) {
	var sim model.SIM
	if err := s.db.WithContext(ctx).First(&sim, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("sim %d", id))
	}
	return &sim, nil
}

// SIMByOperator returns the first SIM on the operator's network.
func (s *Store) SIMByOperator(ctx context.Context, operator string) (*model.SIM, error) {
	var sim model.SIM
	err := s.db.WithContext(ctx).
		Where("operator_name = ?", operator).
		Order("id").
		First(&sim).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("sim for operator %s", operator))
	}
	return &sim, nil
}

func (s *Store) ListSIMs(ctx context.Context) ([]model.SIM, error) {
	var sims []model.SIM
	err := s.db.WithContext(ctx).Order("id").Find(&sims).Error
	return sims, err
}

// --- Notifications ---

func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(n).Error
}

func (s *Store) ListNotifications(ctx context.Context, simID uint, limit int) ([]model.Notification, error) {
	var items []model.Notification
	q := s.db.WithContext(ctx).Order("received_at DESC, id DESC")
	if simID != 0 {
		q = q.Where("sim_id = ?", simID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// --- Halts ---

// SetHalt records a halt for the operator. It reports false when the
// operator was already halted; the first reason is kept.
func (s *Store) SetHalt(ctx context.Context, operator, reason string) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Halt{Operator: operator, Reason: reason})
	if res.Error != nil {
		return false, fmt.Errorf("halt %s: %w", operator, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Halt returns the operator's halt or nil.
func (s *Store) Halt(ctx context.Context, operator string) (*model.Halt, error) {
	var items []model.Halt
	if err := s.db.WithContext(ctx).Where("operator = ?", operator).Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) ListHalts(ctx context.Context) ([]model.Halt, error) {
	var items []model.Halt
	err := s.db.WithContext(ctx).Order("operator").Find(&items).Error
	return items, err
}

func (s *Store) DeleteHalt(ctx context.Context, operator string) error {
	return s.db.WithContext(ctx).Where("operator = ?", operator).Delete(&model.Halt{}).Error
}

// --- Transactions ---

func (s *Store) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(tx).Error
}

func (s *Store) SaveTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(tx).Error
}

func (s *Store) Transaction(ctx context.Context, id uint) (*model.Transaction, error) {
	var tx model.Transaction
	if err := s.db.WithContext(ctx).Preload("Notification").First(&tx, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("transaction %d", id))
	}
	return &tx, nil
}

func (s *Store) TransactionByRef(ctx context.Context, ref string) (*model.Transaction, error) {
	var tx model.Transaction
	if err := s.db.WithContext(ctx).Preload("Notification").Where("ref = ?", ref).First(&tx).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("transaction %s", ref))
	}
	return &tx, nil
}

// FindQueued returns the oldest queued transaction matching the request, or nil.
func (s *Store) FindQueued(ctx context.Context, simID uint, kind model.TransactionKind, crux, amount string) (*model.Transaction, error) {
	var items []model.Transaction
	err := s.db.WithContext(ctx).
		Where("sim_id = ? AND kind = ? AND crux = ? AND amount = ? AND status = ?",
			simID, kind, crux, amount, model.StatusQueued).
		Order("id").
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// TransactionsByStatus lists transactions in status ordered by operator then age.
func (s *Store) TransactionsByStatus(ctx context.Context, status model.TransactionStatus) ([]model.Transaction, error) {
	var items []model.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("operator, id").
		Find(&items).Error
	return items, err
}

func (s *Store) TransactionsByOperatorStatus(ctx context.Context, operator string, status model.TransactionStatus) ([]model.Transaction, error) {
	var items []model.Transaction
	err := s.db.WithContext(ctx).
		Where("operator = ? AND status = ?", operator, status).
		Order("id").
		Find(&items).Error
	return items, err
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	Status model.TransactionStatus
	Kind   model.TransactionKind
	SIMID  uint
	Limit  int
}

func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	q := s.db.WithContext(ctx).Preload("Notification").Order("id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.SIMID != 0 {
		q = q.Where("sim_id = ?", f.SIMID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var items []model.Transaction
	err := q.Find(&items).Error
	return items, err
}
