package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateController(ctx context.Context, c *model.Controller) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO controllers (account, id, collateral, reserved, min_execution_fee, next_sequence, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (account) DO NOTHING`,
		c.Account, c.ID,
		c.Collateral.String(), c.Reserved.String(), c.MinExecutionFee.String(),
		c.NextSequence, c.Active, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create controller %s: %w", c.Account, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: controller for %s", model.ErrAlreadyExists, c.Account)
	}
	return nil
}

const controllerCols = `account, id::TEXT, collateral::TEXT, reserved::TEXT,
	min_execution_fee::TEXT, next_sequence, active, created_at`

func scanController(row pgx.Row) (*model.Controller, error) {
	var c model.Controller
	var collateral, reserved, minFee string
	if err := row.Scan(&c.Account, &c.ID, &collateral, &reserved, &minFee,
		&c.NextSequence, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Collateral = dec(collateral)
	c.Reserved = dec(reserved)
	c.MinExecutionFee = dec(minFee)
	return &c, nil
}

func (s *PostgresStore) GetController(ctx context.Context, account string) (*model.Controller, error) {
	c, err := scanController(s.pool.QueryRow(ctx,
		`SELECT `+controllerCols+` FROM controllers WHERE account = $1`, account))
	if err != nil {
		return nil, notFound(err, "controller for "+account)
	}
	return c, nil
}

func (s *PostgresStore) ListControllers(ctx context.Context) ([]model.Controller, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+controllerCols+` FROM controllers ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Controller
	for rows.Next() {
		c, err := scanController(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLoan(ctx context.Context, account string) (*model.Loan, error) {
	l := model.Loan{Account: account}
	var principal, interest string
	var accruedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT principal::TEXT, pending_interest::TEXT, accrued_at
		 FROM loans WHERE account = $1`, account).
		Scan(&principal, &interest, &accruedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %s: %w", account, err)
	}
	l.Principal = dec(principal)
	l.PendingInterest = dec(interest)
	if accruedAt != nil {
		l.AccruedAt = accruedAt.UTC()
	}
	return &l, nil
}

func (s *PostgresStore) GetPool(ctx context.Context) (*model.Pool, error) {
	var reserve, shares, loans string
	err := s.pool.QueryRow(ctx,
		`SELECT reserve::TEXT, total_shares::TEXT, outstanding_loans::TEXT FROM pool WHERE id = 1`).
		Scan(&reserve, &shares, &loans)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Pool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &model.Pool{Reserve: dec(reserve), TotalShares: dec(shares), OutstandingLoans: dec(loans)}, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, provider string) (*model.LiquidityProvider, error) {
	lp := model.LiquidityProvider{Provider: provider}
	var shares string
	err := s.pool.QueryRow(ctx,
		`SELECT shares::TEXT FROM liquidity_providers WHERE provider = $1`, provider).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return &lp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", provider, err)
	}
	lp.Shares = dec(shares)
	return &lp, nil
}

const positionCols = `account, instrument, direction, size::TEXT, collateral::TEXT,
	average_price::TEXT, entry_funding_rate::TEXT, last_increased_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var size, collateral, avg, funding string
	if err := row.Scan(&p.Account, &p.Instrument, &p.Direction,
		&size, &collateral, &avg, &funding, &p.LastIncreasedAt); err != nil {
		return nil, err
	}
	p.Size = dec(size)
	p.Collateral = dec(collateral)
	p.AveragePrice = dec(avg)
	p.EntryFundingRate = dec(funding)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE account = $1 AND instrument = $2 AND direction = $3`,
		key.Account, key.Instrument, string(key.Direction)))
	if err != nil {
		return nil, notFound(err, "position "+key.String())
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, account string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account = $1
		 ORDER BY instrument, direction`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const requestCols = `account, sequence, kind, instrument, direction,
	collateral_delta::TEXT, size_delta::TEXT, acceptable_price::TEXT, execution_fee::TEXT,
	status, created_at, resolved_at, executed_price::TEXT, payout::TEXT`

func scanRequest(row pgx.Row) (*model.Request, error) {
	var r model.Request
	var collateral, size, acceptable, fee, executed, payout string
	var resolvedAt *time.Time
	if err := row.Scan(&r.Key.Account, &r.Key.Sequence, &r.Kind, &r.Instrument, &r.Direction,
		&collateral, &size, &acceptable, &fee,
		&r.Status, &r.CreatedAt, &resolvedAt, &executed, &payout); err != nil {
		return nil, err
	}
	r.CollateralDelta = dec(collateral)
	r.SizeDelta = dec(size)
	r.AcceptablePrice = dec(acceptable)
	r.ExecutionFee = dec(fee)
	r.ExecutedPrice = dec(executed)
	r.Payout = dec(payout)
	if resolvedAt != nil {
		r.ResolvedAt = resolvedAt.UTC()
	}
	return &r, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, key model.RequestKey) (*model.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM requests WHERE account = $1 AND sequence = $2`,
		key.Account, key.Sequence))
	if err != nil {
		return nil, notFound(err, "request "+key.String())
	}
	return r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, account string) ([]model.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestCols+` FROM requests WHERE account = $1 ORDER BY sequence`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Commit writes the batch in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if c := b.Controller; c != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE controllers
				 SET collateral = $2::NUMERIC, reserved = $3::NUMERIC, min_execution_fee = $4::NUMERIC,
				     next_sequence = $5, active = $6
				 WHERE account = $1`,
				c.Account, c.Collateral.String(), c.Reserved.String(), c.MinExecutionFee.String(),
				c.NextSequence, c.Active)
			if err != nil {
				return fmt.Errorf("update controller %s: %w", c.Account, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: controller for %s", model.ErrNotFound, c.Account)
			}
		}

		if l := b.Loan; l != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO loans (account, principal, pending_interest, accrued_at)
				 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
				 ON CONFLICT (account) DO UPDATE
				 SET principal = EXCLUDED.principal, pending_interest = EXCLUDED.pending_interest,
				     accrued_at = EXCLUDED.accrued_at`,
				l.Account, l.Principal.String(), l.PendingInterest.String(), nullTime(l.AccruedAt)); err != nil {
				return fmt.Errorf("upsert loan %s: %w", l.Account, err)
			}
		}

		if p := b.Pool; p != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO pool (id, reserve, total_shares, outstanding_loans)
				 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC)
				 ON CONFLICT (id) DO UPDATE
				 SET reserve = EXCLUDED.reserve, total_shares = EXCLUDED.total_shares,
				     outstanding_loans = EXCLUDED.outstanding_loans`,
				p.Reserve.String(), p.TotalShares.String(), p.OutstandingLoans.String()); err != nil {
				return fmt.Errorf("update pool: %w", err)
			}
		}

		if lp := b.Provider; lp != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO liquidity_providers (provider, shares) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (provider) DO UPDATE SET shares = EXCLUDED.shares`,
				lp.Provider, lp.Shares.String()); err != nil {
				return fmt.Errorf("upsert provider %s: %w", lp.Provider, err)
			}
		}

		for _, p := range b.Positions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (account, instrument, direction, size, collateral,
				                        average_price, entry_funding_rate, last_increased_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
				 ON CONFLICT (account, instrument, direction) DO UPDATE
				 SET size = EXCLUDED.size, collateral = EXCLUDED.collateral,
				     average_price = EXCLUDED.average_price,
				     entry_funding_rate = EXCLUDED.entry_funding_rate,
				     last_increased_at = EXCLUDED.last_increased_at`,
				p.Account, p.Instrument, string(p.Direction),
				p.Size.String(), p.Collateral.String(), p.AveragePrice.String(),
				p.EntryFundingRate.String(), p.LastIncreasedAt); err != nil {
				return fmt.Errorf("upsert position %s: %w", p.Key(), err)
			}
		}

		for _, k := range b.DeletedPositions {
			if _, err := tx.Exec(ctx,
				`DELETE FROM positions WHERE account = $1 AND instrument = $2 AND direction = $3`,
				k.Account, k.Instrument, string(k.Direction)); err != nil {
				return fmt.Errorf("delete position %s: %w", k, err)
			}
		}

		if r := b.Request; r != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO requests (account, sequence, kind, instrument, direction,
				                       collateral_delta, size_delta, acceptable_price, execution_fee,
				                       status, created_at, resolved_at, executed_price, payout)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
				         $10, $11, $12, $13::NUMERIC, $14::NUMERIC)
				 ON CONFLICT (account, sequence) DO UPDATE
				 SET status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at,
				     executed_price = EXCLUDED.executed_price, payout = EXCLUDED.payout`,
				r.Key.Account, r.Key.Sequence, string(r.Kind), r.Instrument, string(r.Direction),
				r.CollateralDelta.String(), r.SizeDelta.String(), r.AcceptablePrice.String(),
				r.ExecutionFee.String(), string(r.Status), r.CreatedAt, nullTime(r.ResolvedAt),
				r.ExecutedPrice.String(), r.Payout.String()); err != nil {
				return fmt.Errorf("upsert request %s: %w", r.Key, err)
			}
		}
		return nil
	})
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
