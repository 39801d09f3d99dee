package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kuru/margin-engine/internal/model"
)

// SQLiteStore implements Store on a local SQLite file through gorm. It is
// the single-node persistent option when no PostgreSQL is configured.
// Decimals are stored as TEXT so no precision is lost.
type SQLiteStore struct {
	db *gorm.DB
}

type controllerRow struct {
	Account         string          `gorm:"column:account;primaryKey"`
	ControllerID    string          `gorm:"column:id;uniqueIndex"`
	Collateral      decimal.Decimal `gorm:"column:collateral;type:TEXT"`
	Reserved        decimal.Decimal `gorm:"column:reserved;type:TEXT"`
	MinExecutionFee decimal.Decimal `gorm:"column:min_execution_fee;type:TEXT"`
	NextSequence    int64           `gorm:"column:next_sequence"`
	Active          bool            `gorm:"column:active"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
}

func (controllerRow) TableName() string { return "controllers" }

type loanRow struct {
	Account         string          `gorm:"column:account;primaryKey"`
	Principal       decimal.Decimal `gorm:"column:principal;type:TEXT"`
	PendingInterest decimal.Decimal `gorm:"column:pending_interest;type:TEXT"`
	AccruedAt       time.Time       `gorm:"column:accrued_at"`
}

func (loanRow) TableName() string { return "loans" }

type poolRow struct {
	ID               int             `gorm:"column:id;primaryKey"`
	Reserve          decimal.Decimal `gorm:"column:reserve;type:TEXT"`
	TotalShares      decimal.Decimal `gorm:"column:total_shares;type:TEXT"`
	OutstandingLoans decimal.Decimal `gorm:"column:outstanding_loans;type:TEXT"`
}

func (poolRow) TableName() string { return "pool" }

type providerRow struct {
	Provider string          `gorm:"column:provider;primaryKey"`
	Shares   decimal.Decimal `gorm:"column:shares;type:TEXT"`
}

func (providerRow) TableName() string { return "liquidity_providers" }

type positionRow struct {
	Account          string          `gorm:"column:account;primaryKey"`
	Instrument       string          `gorm:"column:instrument;primaryKey"`
	Direction        string          `gorm:"column:direction;primaryKey"`
	Size             decimal.Decimal `gorm:"column:size;type:TEXT"`
	Collateral       decimal.Decimal `gorm:"column:collateral;type:TEXT"`
	AveragePrice     decimal.Decimal `gorm:"column:average_price;type:TEXT"`
	EntryFundingRate decimal.Decimal `gorm:"column:entry_funding_rate;type:TEXT"`
	LastIncreasedAt  time.Time       `gorm:"column:last_increased_at"`
}

func (positionRow) TableName() string { return "positions" }

type requestRow struct {
	Account         string          `gorm:"column:account;primaryKey"`
	Sequence        int64           `gorm:"column:sequence;primaryKey;autoIncrement:false"`
	Kind            string          `gorm:"column:kind"`
	Instrument      string          `gorm:"column:instrument"`
	Direction       string          `gorm:"column:direction"`
	CollateralDelta decimal.Decimal `gorm:"column:collateral_delta;type:TEXT"`
	SizeDelta       decimal.Decimal `gorm:"column:size_delta;type:TEXT"`
	AcceptablePrice decimal.Decimal `gorm:"column:acceptable_price;type:TEXT"`
	ExecutionFee    decimal.Decimal `gorm:"column:execution_fee;type:TEXT"`
	Status          string          `gorm:"column:status;index"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	ResolvedAt      time.Time       `gorm:"column:resolved_at"`
	ExecutedPrice   decimal.Decimal `gorm:"column:executed_price;type:TEXT"`
	Payout          decimal.Decimal `gorm:"column:payout;type:TEXT"`
}

func (requestRow) TableName() string { return "requests" }

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db)
}

// NewSQLiteStoreFromDB wraps an open gorm handle and migrates the tables.
func NewSQLiteStoreFromDB(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	if err := db.AutoMigrate(
		&controllerRow{}, &loanRow{}, &poolRow{}, &providerRow{}, &positionRow{}, &requestRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite allows one writer; a single connection also keeps :memory: shared.
		sqlDB.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) CreateController(ctx context.Context, c *model.Controller) error {
	row := toControllerRow(c)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("create controller %s: %w", c.Account, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: controller for %s", model.ErrAlreadyExists, c.Account)
	}
	return nil
}

func (s *SQLiteStore) GetController(ctx context.Context, account string) (*model.Controller, error) {
	var row controllerRow
	if err := s.db.WithContext(ctx).Where("account = ?", account).Take(&row).Error; err != nil {
		return nil, gormNotFound(err, "controller for "+account)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListControllers(ctx context.Context) ([]model.Controller, error) {
	var rows []controllerRow
	if err := s.db.WithContext(ctx).Order("account").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Controller, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) GetLoan(ctx context.Context, account string) (*model.Loan, error) {
	var row loanRow
	err := s.db.WithContext(ctx).Where("account = ?", account).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Loan{Account: account}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %s: %w", account, err)
	}
	return &model.Loan{
		Account:         row.Account,
		Principal:       row.Principal,
		PendingInterest: row.PendingInterest,
		AccruedAt:       utcOrZero(row.AccruedAt),
	}, nil
}

func (s *SQLiteStore) GetPool(ctx context.Context) (*model.Pool, error) {
	var row poolRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Pool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &model.Pool{Reserve: row.Reserve, TotalShares: row.TotalShares, OutstandingLoans: row.OutstandingLoans}, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, provider string) (*model.LiquidityProvider, error) {
	var row providerRow
	err := s.db.WithContext(ctx).Where("provider = ?", provider).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.LiquidityProvider{Provider: provider}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", provider, err)
	}
	return &model.LiquidityProvider{Provider: row.Provider, Shares: row.Shares}, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).
		Where("account = ? AND instrument = ? AND direction = ?", key.Account, key.Instrument, string(key.Direction)).
		Take(&row).Error
	if err != nil {
		return nil, gormNotFound(err, "position "+key.String())
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, account string) ([]model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Where("account = ?", account).
		Order("instrument, direction").Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Position
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, key model.RequestKey) (*model.Request, error) {
	var row requestRow
	err := s.db.WithContext(ctx).
		Where("account = ? AND sequence = ?", key.Account, key.Sequence).
		Take(&row).Error
	if err != nil {
		return nil, gormNotFound(err, "request "+key.String())
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, account string) ([]model.Request, error) {
	var rows []requestRow
	if err := s.db.WithContext(ctx).Where("account = ?", account).
		Order("sequence").Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Request
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

// Commit writes the batch in one gorm transaction.
func (s *SQLiteStore) Commit(ctx context.Context, b *Batch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c := b.Controller; c != nil {
			res := tx.Model(&controllerRow{}).Where("account = ?", c.Account).Updates(map[string]any{
				"collateral":        c.Collateral,
				"reserved":          c.Reserved,
				"min_execution_fee": c.MinExecutionFee,
				"next_sequence":     c.NextSequence,
				"active":            c.Active,
			})
			if res.Error != nil {
				return fmt.Errorf("update controller %s: %w", c.Account, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: controller for %s", model.ErrNotFound, c.Account)
			}
		}

		if l := b.Loan; l != nil {
			row := loanRow{Account: l.Account, Principal: l.Principal, PendingInterest: l.PendingInterest, AccruedAt: l.AccruedAt}
			if err := upsert(tx, &row, "account"); err != nil {
				return fmt.Errorf("upsert loan %s: %w", l.Account, err)
			}
		}

		if p := b.Pool; p != nil {
			row := poolRow{ID: 1, Reserve: p.Reserve, TotalShares: p.TotalShares, OutstandingLoans: p.OutstandingLoans}
			if err := upsert(tx, &row, "id"); err != nil {
				return fmt.Errorf("update pool: %w", err)
			}
		}

		if lp := b.Provider; lp != nil {
			row := providerRow{Provider: lp.Provider, Shares: lp.Shares}
			if err := upsert(tx, &row, "provider"); err != nil {
				return fmt.Errorf("upsert provider %s: %w", lp.Provider, err)
			}
		}

		for i := range b.Positions {
			row := toPositionRow(&b.Positions[i])
			if err := upsert(tx, &row, "account", "instrument", "direction"); err != nil {
				return fmt.Errorf("upsert position %s: %w", b.Positions[i].Key(), err)
			}
		}

		for _, k := range b.DeletedPositions {
			if err := tx.Where("account = ? AND instrument = ? AND direction = ?",
				k.Account, k.Instrument, string(k.Direction)).Delete(&positionRow{}).Error; err != nil {
				return fmt.Errorf("delete position %s: %w", k, err)
			}
		}

		if r := b.Request; r != nil {
			row := toRequestRow(r)
			if err := upsert(tx, &row, "account", "sequence"); err != nil {
				return fmt.Errorf("upsert request %s: %w", r.Key, err)
			}
		}
		return nil
	})
}

// --- row mapping ---

func upsert(tx *gorm.DB, row any, keys ...string) error {
	cols := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, clause.Column{Name: k})
	}
	return tx.Clauses(clause.OnConflict{Columns: cols, UpdateAll: true}).Create(row).Error
}

func gormNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func toControllerRow(c *model.Controller) controllerRow {
	return controllerRow{
		Account:         c.Account,
		ControllerID:    c.ID,
		Collateral:      c.Collateral,
		Reserved:        c.Reserved,
		MinExecutionFee: c.MinExecutionFee,
		NextSequence:    c.NextSequence,
		Active:          c.Active,
		CreatedAt:       c.CreatedAt,
	}
}

func (r *controllerRow) toModel() *model.Controller {
	return &model.Controller{
		ID:              r.ControllerID,
		Account:         r.Account,
		Collateral:      r.Collateral,
		Reserved:        r.Reserved,
		MinExecutionFee: r.MinExecutionFee,
		NextSequence:    r.NextSequence,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func toPositionRow(p *model.Position) positionRow {
	return positionRow{
		Account:          p.Account,
		Instrument:       p.Instrument,
		Direction:        string(p.Direction),
		Size:             p.Size,
		Collateral:       p.Collateral,
		AveragePrice:     p.AveragePrice,
		EntryFundingRate: p.EntryFundingRate,
		LastIncreasedAt:  p.LastIncreasedAt,
	}
}

func (r *positionRow) toModel() *model.Position {
	return &model.Position{
		Account:          r.Account,
		Instrument:       r.Instrument,
		Direction:        model.Direction(r.Direction),
		Size:             r.Size,
		Collateral:       r.Collateral,
		AveragePrice:     r.AveragePrice,
		EntryFundingRate: r.EntryFundingRate,
		LastIncreasedAt:  r.LastIncreasedAt.UTC(),
	}
}

func toRequestRow(r *model.Request) requestRow {
	return requestRow{
		Account:         r.Key.Account,
		Sequence:        r.Key.Sequence,
		Kind:            string(r.Kind),
		Instrument:      r.Instrument,
		Direction:       string(r.Direction),
		CollateralDelta: r.CollateralDelta,
		SizeDelta:       r.SizeDelta,
		AcceptablePrice: r.AcceptablePrice,
		ExecutionFee:    r.ExecutionFee,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		ResolvedAt:      r.ResolvedAt,
		ExecutedPrice:   r.ExecutedPrice,
		Payout:          r.Payout,
	}
}

func (r *requestRow) toModel() *model.Request {
	return &model.Request{
		Key:             model.RequestKey{Account: r.Account, Sequence: r.Sequence},
		Kind:            model.RequestKind(r.Kind),
		Instrument:      r.Instrument,
		Direction:       model.Direction(r.Direction),
		CollateralDelta: r.CollateralDelta,
		SizeDelta:       r.SizeDelta,
		AcceptablePrice: r.AcceptablePrice,
		ExecutionFee:    r.ExecutionFee,
		Status:          model.RequestStatus(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		ResolvedAt:      utcOrZero(r.ResolvedAt),
		ExecutedPrice:   r.ExecutedPrice,
		Payout:          r.Payout,
	}
}
