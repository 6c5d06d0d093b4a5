package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/pipeline"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// batchSize bounds the statements queued in one pgx.Batch.
const batchSize = 500

const (
	insertDecisionSQL = `INSERT INTO decisions (
        id,
        listing_id,
        item,
        offer_cents,
        reference_cents,
        reference_revision,
        net_proceeds_cents,
        margin_cents,
        margin_pct,
        verdict,
        reason,
        observed_at,
        decided_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO NOTHING;`

	selectDecisionColumns = `SELECT
        id,
        listing_id,
        item,
        offer_cents,
        reference_cents,
        reference_revision,
        net_proceeds_cents,
        margin_cents,
        verdict,
        reason,
        observed_at,
        decided_at
    FROM decisions`

	countDecisionsSQL = `SELECT COUNT(*) FROM decisions;`

	deleteDecisionsBeforeSQL = `DELETE FROM decisions WHERE decided_at < $1;`

	upsertCatalogEntrySQL = `INSERT INTO catalog_entries (
        item,
        price_cents,
        updated_at,
        revision,
        volatility,
        stable,
        sold_per_week,
        samples,
        saved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,now()
    )
    ON CONFLICT (item) DO UPDATE
    SET
        price_cents   = EXCLUDED.price_cents,
        updated_at    = EXCLUDED.updated_at,
        revision      = EXCLUDED.revision,
        volatility    = EXCLUDED.volatility,
        stable        = EXCLUDED.stable,
        sold_per_week = EXCLUDED.sold_per_week,
        samples       = EXCLUDED.samples,
        saved_at      = EXCLUDED.saved_at
    WHERE catalog_entries.updated_at <= EXCLUDED.updated_at;`

	loadCatalogSQL = `SELECT item, price_cents, updated_at, revision, volatility, stable, sold_per_week, samples FROM catalog_entries;`

	insertAlertSQL = `INSERT INTO alerts (
        decision_id,
        item,
        margin_pct,
        threshold_pct,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (decision_id) DO NOTHING
    RETURNING id, created_at;`

	lastAlertSQL = `SELECT created_at FROM alerts WHERE item = $1 ORDER BY created_at DESC LIMIT 1;`

	listRecentAlertsSQL = `SELECT
        id,
        decision_id,
        item,
        margin_pct,
        threshold_pct,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DecisionStore persists pipeline decisions.
type DecisionStore interface {
	InsertDecisions(ctx context.Context, decisions []pipeline.Decision) (int64, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]pipeline.Decision, error)
	CountDecisions(ctx context.Context) (int64, error)
	DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// CatalogStore snapshots and restores the price catalog.
type CatalogStore interface {
	SaveCatalog(ctx context.Context, entries iter.Seq[catalog.Entry]) (int, error)
	LoadCatalog(ctx context.Context) ([]catalog.Entry, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error)
	LastAlertFor(ctx context.Context, item string) (time.Time, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to decisions, catalog snapshots, and alerts.
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// A failed unlock leaves a dirty session; drop it from the pool.
			_ = conn.Conn().Close(ctxUnlock)
		}
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

// InsertDecisions stores decisions in batches. Decisions already stored
// under the same id are skipped; the number of new rows is returned.
func (s *Store) InsertDecisions(ctx context.Context, decisions []pipeline.Decision) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var inserted int64
	for start := 0; start < len(decisions); start += batchSize {
		chunk := decisions[start:min(start+batchSize, len(decisions))]
		batch := &pgx.Batch{}
		for _, d := range chunk {
			batch.Queue(insertDecisionSQL,
				pgtype.UUID{Bytes: [16]byte(d.ID), Valid: true},
				d.ListingID,
				string(d.Item),
				int64(d.Offer),
				int64(d.ReferencePrice),
				int64(d.ReferenceRevision),
				int64(d.NetProceeds),
				int64(d.Margin),
				d.MarginPct().String(),
				string(d.Verdict),
				string(d.Reason),
				d.ObservedAt,
				d.DecidedAt,
			)
		}

		n, err := execBatch(ctx, pool, batch, len(chunk))
		inserted += n
		if err != nil {
			return inserted, fmt.Errorf("insert decisions: %w", err)
		}
	}
	return inserted, nil
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, n int) (int64, error) {
	results := pool.SendBatch(ctx, batch)
	var affected int64
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return affected, err
		}
		affected += tag.RowsAffected()
	}
	return affected, results.Close()
}

// ListDecisions returns decisions matching filter, newest first.
func (s *Store) ListDecisions(ctx context.Context, filter DecisionFilter) ([]pipeline.Decision, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildDecisionQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions: %w", queryErr)
	}
	defer rows.Close()

	decisions := make([]pipeline.Decision, 0, max(filter.Limit, 0))
	for rows.Next() {
		d, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		decisions = append(decisions, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return decisions, nil
}

func buildDecisionQuery(f DecisionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Verdict != "" {
		add("verdict = $%d", f.Verdict)
	}
	if f.Item != "" {
		add("item = $%d", f.Item)
	}
	if !f.From.IsZero() {
		add("decided_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("decided_at < $%d", f.To)
	}

	var b strings.Builder
	b.WriteString(selectDecisionColumns)
	if len(where) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(where, "\n      AND "))
	}
	b.WriteString("\n    ORDER BY decided_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, "\n    LIMIT $%d", len(args))
	}
	b.WriteString(";")
	return b.String(), args
}

// CountDecisions counts stored decisions.
func (s *Store) CountDecisions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDecisionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count decisions: %w", scanErr)
	}
	return count, nil
}

// DeleteDecisionsBefore prunes old decisions.
func (s *Store) DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteDecisionsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete decisions before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// SaveCatalog upserts every entry. Rows newer than the snapshot are kept.
func (s *Store) SaveCatalog(ctx context.Context, entries iter.Seq[catalog.Entry]) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	saved := 0
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n := batch.Len()
		if _, err := execBatch(ctx, pool, batch, n); err != nil {
			return fmt.Errorf("save catalog: %w", err)
		}
		saved += n
		batch = &pgx.Batch{}
		return nil
	}

	for e := range entries {
		m := e.Market
		batch.Queue(upsertCatalogEntrySQL, string(e.Item), int64(e.Price), e.UpdatedAt, int64(e.Revision),
			m.Volatility, m.Stable, m.SoldPerWeek, int32(m.Samples))
		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return saved, err
			}
		}
	}
	if err := flush(); err != nil {
		return saved, err
	}
	return saved, nil
}

// LoadCatalog reads the last saved catalog.
func (s *Store) LoadCatalog(ctx context.Context) ([]catalog.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadCatalogSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load catalog: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]catalog.Entry, 0)
	for rows.Next() {
		var (
			item      string
			price     int64
			updatedAt time.Time
			revision  int64
			samples   int32
			m         catalog.Market
		)
		if err := rows.Scan(&item, &price, &updatedAt, &revision, &m.Volatility, &m.Stable, &m.SoldPerWeek, &samples); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		m.Samples = int(samples)
		entries = append(entries, catalog.Entry{
			Item:      catalog.ItemID(item),
			Price:     fee.Amount(price),
			UpdatedAt: updatedAt,
			Revision:  uint64(revision),
			Market:    m,
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// InsertAlert persists an alert emission. inserted is false when an alert
// for the same decision already exists.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		pgtype.UUID{Bytes: [16]byte(alert.DecisionID), Valid: true},
		alert.Item,
		alert.MarginPct.String(),
		alert.ThresholdPct.String(),
		alert.Channels,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert, false, nil
		}
		return AlertRecord{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, true, nil
}

// LastAlertFor returns when item last triggered an alert.
func (s *Store) LastAlertFor(ctx context.Context, item string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertSQL, item).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var id pgtype.UUID
		var marginStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&id,
			&rec.Item,
			&marginStr,
			&thresholdStr,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.DecisionID = uuid.UUID(id.Bytes)

		var convErr error
		rec.MarginPct, convErr = decimal.NewFromString(marginStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse margin pct: %w", convErr)
		}
		rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanDecision(rows pgx.Rows) (pipeline.Decision, error) {
	var (
		id         pgtype.UUID
		listingID  string
		item       string
		offer      int64
		reference  int64
		revision   int64
		net        int64
		margin     int64
		verdict    string
		reason     string
		observedAt time.Time
		decidedAt  time.Time
	)

	if err := rows.Scan(
		&id,
		&listingID,
		&item,
		&offer,
		&reference,
		&revision,
		&net,
		&margin,
		&verdict,
		&reason,
		&observedAt,
		&decidedAt,
	); err != nil {
		return pipeline.Decision{}, fmt.Errorf("scan decision: %w", err)
	}

	return pipeline.Decision{
		ID:                uuid.UUID(id.Bytes),
		ListingID:         listingID,
		Item:              catalog.ItemID(item),
		Offer:             fee.Amount(offer),
		ReferencePrice:    fee.Amount(reference),
		ReferenceRevision: uint64(revision),
		NetProceeds:       fee.Amount(net),
		Margin:            fee.Amount(margin),
		Verdict:           pipeline.Verdict(verdict),
		Reason:            pipeline.Reason(reason),
		ObservedAt:        observedAt,
		DecidedAt:         decidedAt,
	}, nil
}

var (
	_ DecisionStore  = (*Store)(nil)
	_ CatalogStore   = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
