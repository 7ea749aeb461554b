package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertPricePointSQL = `INSERT INTO price_points (ticker, trade_date, price)
    VALUES ($1, $2, $3)
    ON CONFLICT (ticker, trade_date) DO NOTHING;`

	listPricePointsSQL = `SELECT ticker, trade_date, price::text
    FROM price_points
    WHERE ticker = $1
    ORDER BY trade_date;`

	listPricePointsBetweenSQL = `SELECT ticker, trade_date, price::text
    FROM price_points
    WHERE ticker = $1
      AND trade_date >= $2
      AND trade_date <= $3
    ORDER BY trade_date;`

	latestPricePointSQL = `SELECT ticker, trade_date, price::text
    FROM price_points
    WHERE ticker = $1
    ORDER BY trade_date DESC
    LIMIT 1;`

	insertIndexPointSQL = `INSERT INTO index_points (ticker, trade_date, price, daily_return_pct)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (ticker, trade_date) DO NOTHING;`

	listIndexPointsSQL = `SELECT ticker, trade_date, price::text, daily_return_pct::text
    FROM index_points
    WHERE ticker = $1
    ORDER BY trade_date;`

	latestIndexPointSQL = `SELECT ticker, trade_date, price::text, daily_return_pct::text
    FROM index_points
    WHERE ticker = $1
    ORDER BY trade_date DESC
    LIMIT 1;`

	insertOrderSQL = `INSERT INTO order_audit (
        run_id,
        ticker,
        side,
        quantity,
        limit_price,
        reason,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentOrdersSQL = `SELECT
        id,
        run_id,
        ticker,
        side,
        quantity,
        limit_price::text,
        reason,
        status,
        error,
        created_at
    FROM order_audit
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	insertRunSQL = `INSERT INTO rebalance_runs (
        id,
        trigger,
        dry_run,
        panic,
        panic_reason,
        total_value,
        sells,
        buys,
        skipped,
        settled,
        status,
        error,
        started_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO UPDATE
    SET
        panic        = EXCLUDED.panic,
        panic_reason = EXCLUDED.panic_reason,
        total_value  = EXCLUDED.total_value,
        sells        = EXCLUDED.sells,
        buys         = EXCLUDED.buys,
        skipped      = EXCLUDED.skipped,
        settled      = EXCLUDED.settled,
        status       = EXCLUDED.status,
        error        = EXCLUDED.error,
        finished_at  = EXCLUDED.finished_at;`

	listRecentRunsSQL = `SELECT
        id,
        trigger,
        dry_run,
        panic,
        panic_reason,
        total_value::text,
        sells,
        buys,
        skipped,
        settled,
        status,
        error,
        started_at,
        finished_at
    FROM rebalance_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceStore persists daily instrument closes.
type PriceStore interface {
	InsertPricePoints(ctx context.Context, points []domain.PricePoint) (int64, error)
	ListPricePoints(ctx context.Context, ticker string) ([]domain.PricePoint, error)
	ListPricePointsBetween(ctx context.Context, ticker string, from, to time.Time) ([]domain.PricePoint, error)
	LatestPricePoint(ctx context.Context, ticker string) (domain.PricePoint, bool, error)
}

// IndexStore persists daily index levels and their returns.
type IndexStore interface {
	InsertIndexPoints(ctx context.Context, points []domain.IndexPoint) (int64, error)
	ListIndexPoints(ctx context.Context, ticker string) ([]domain.IndexPoint, error)
	LatestIndexPoint(ctx context.Context, ticker string) (domain.IndexPoint, bool, error)
}

// AuditStore records orders and runs.
type AuditStore interface {
	RecordOrder(ctx context.Context, rec OrderRecord) (OrderRecord, error)
	ListRecentOrders(ctx context.Context, limit int) ([]OrderRecord, error)
	RecordRun(ctx context.Context, rec RunRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to history, audit and run tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock also dies with the connection, so a failed unlock is not fatal
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertPricePoints stores points that are not stored yet and returns how many were new.
func (s *Store) InsertPricePoints(ctx context.Context, points []domain.PricePoint) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(insertPricePointSQL, p.Ticker, p.Date, decimal.NewFromFloat(p.Price).String())
	}
	return execBatch(ctx, pool, batch, "insert price points")
}

// ListPricePoints returns the full stored history of ticker in ascending date order.
func (s *Store) ListPricePoints(ctx context.Context, ticker string) ([]domain.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPricePointsSQL, ticker)
	if queryErr != nil {
		return nil, fmt.Errorf("list price points: %w", queryErr)
	}
	return collectPricePoints(rows)
}

// ListPricePointsBetween returns stored closes within [from, to].
func (s *Store) ListPricePointsBetween(ctx context.Context, ticker string, from, to time.Time) ([]domain.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPricePointsBetweenSQL, ticker, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price points between: %w", queryErr)
	}
	return collectPricePoints(rows)
}

// LatestPricePoint returns the most recent stored close; ok is false when none exists.
func (s *Store) LatestPricePoint(ctx context.Context, ticker string) (domain.PricePoint, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PricePoint{}, false, err
	}
	rows, queryErr := pool.Query(ctx, latestPricePointSQL, ticker)
	if queryErr != nil {
		return domain.PricePoint{}, false, fmt.Errorf("latest price point: %w", queryErr)
	}
	points, err := collectPricePoints(rows)
	if err != nil || len(points) == 0 {
		return domain.PricePoint{}, false, err
	}
	return points[0], true, nil
}

// InsertIndexPoints stores index points that are not stored yet.
func (s *Store) InsertIndexPoints(ctx context.Context, points []domain.IndexPoint) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(insertIndexPointSQL,
			p.Ticker,
			p.Date,
			decimal.NewFromFloat(p.Price).String(),
			decimal.NewFromFloat(p.DailyReturnPct).Round(6).String(),
		)
	}
	return execBatch(ctx, pool, batch, "insert index points")
}

// ListIndexPoints returns the full stored index history in ascending date order.
func (s *Store) ListIndexPoints(ctx context.Context, ticker string) ([]domain.IndexPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listIndexPointsSQL, ticker)
	if queryErr != nil {
		return nil, fmt.Errorf("list index points: %w", queryErr)
	}
	return collectIndexPoints(rows)
}

// LatestIndexPoint returns the most recent stored index point.
func (s *Store) LatestIndexPoint(ctx context.Context, ticker string) (domain.IndexPoint, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.IndexPoint{}, false, err
	}
	rows, queryErr := pool.Query(ctx, latestIndexPointSQL, ticker)
	if queryErr != nil {
		return domain.IndexPoint{}, false, fmt.Errorf("latest index point: %w", queryErr)
	}
	points, err := collectIndexPoints(rows)
	if err != nil || len(points) == 0 {
		return domain.IndexPoint{}, false, err
	}
	return points[0], true, nil
}

// RecordOrder appends an order to the audit trail.
func (s *Store) RecordOrder(ctx context.Context, rec OrderRecord) (OrderRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return OrderRecord{}, err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertOrderSQL,
		rec.RunID,
		rec.Ticker,
		rec.Side,
		rec.Quantity,
		rec.LimitPrice.String(),
		rec.Reason,
		rec.Status,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return OrderRecord{}, fmt.Errorf("record order: %w", scanErr)
	}
	return rec, nil
}

// ListRecentOrders lists the newest audited orders first.
func (s *Store) ListRecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOrdersSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent orders: %w", queryErr)
	}
	defer rows.Close()

	orders := make([]OrderRecord, 0, limit)
	for rows.Next() {
		var (
			rec      OrderRecord
			priceStr string
			errMsg   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Ticker,
			&rec.Side,
			&rec.Quantity,
			&priceStr,
			&rec.Reason,
			&rec.Status,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse limit price: %w", convErr)
		}
		rec.LimitPrice = price
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		orders = append(orders, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

// RecordRun inserts or finalises a run record.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		return errors.New("record run: id required")
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertRunSQL,
		rec.ID,
		rec.Trigger,
		rec.DryRun,
		rec.Panic,
		rec.PanicReason,
		rec.TotalValue.String(),
		rec.Sells,
		rec.Buys,
		rec.Skipped,
		rec.Settled,
		rec.Status,
		errMsg,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the newest runs first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			rec      RunRecord
			totalStr string
			errMsg   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Trigger,
			&rec.DryRun,
			&rec.Panic,
			&rec.PanicReason,
			&totalStr,
			&rec.Sells,
			&rec.Buys,
			&rec.Skipped,
			&rec.Settled,
			&rec.Status,
			&errMsg,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, err
		}
		total, convErr := decimal.NewFromString(totalStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total value: %w", convErr)
		}
		rec.TotalValue = total
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		runs = append(runs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, op string) (int64, error) {
	br := pool.SendBatch(ctx, batch)
	var inserted int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("%s: %w", op, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("%s: %w", op, err)
	}
	return inserted, nil
}

func collectPricePoints(rows pgx.Rows) ([]domain.PricePoint, error) {
	defer rows.Close()

	points := make([]domain.PricePoint, 0)
	for rows.Next() {
		var (
			p        domain.PricePoint
			priceStr string
		)
		if err := rows.Scan(&p.Ticker, &p.Date, &priceStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		p.Price = price.InexactFloat64()
		p.Date = domain.Day(p.Date, time.UTC)
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func collectIndexPoints(rows pgx.Rows) ([]domain.IndexPoint, error) {
	defer rows.Close()

	points := make([]domain.IndexPoint, 0)
	for rows.Next() {
		var (
			p         domain.IndexPoint
			priceStr  string
			returnStr string
		)
		if err := rows.Scan(&p.Ticker, &p.Date, &priceStr, &returnStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse index price: %w", err)
		}
		ret, err := decimal.NewFromString(returnStr)
		if err != nil {
			return nil, fmt.Errorf("parse daily return: %w", err)
		}
		p.Price = price.InexactFloat64()
		p.DailyReturnPct = ret.InexactFloat64()
		p.Date = domain.Day(p.Date, time.UTC)
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

var (
	_ PriceStore     = (*Store)(nil)
	_ IndexStore     = (*Store)(nil)
	_ AuditStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
