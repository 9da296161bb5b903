package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/infra/storage"
)

var _ activity.WatermarkRepository = (*WatermarkStore)(nil)

// WatermarkStore implements activity.WatermarkRepository with one row per account.
type WatermarkStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewWatermarkStore creates a PostgreSQL-backed watermark store with tracing.
func NewWatermarkStore(pool *pgxpool.Pool, tracer trace.Tracer) *WatermarkStore {
	return &WatermarkStore{db: pool, tracer: tracer}
}

const selectWatermarkSQL = `SELECT watermark FROM activity_watermarks WHERE account_id = $1`

// Load returns the zero Watermark for an account that was never saved.
func (s *WatermarkStore) Load(ctx context.Context, accountID string) (activity.Watermark, error) {
	var w activity.Watermark
	attrs := storage.Attrs(attribute.String("account_id", accountID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_watermark", attrs, func(ctx context.Context) error {
		var at time.Time
		if err := s.db.QueryRow(ctx, selectWatermarkSQL, accountID).Scan(&at); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load watermark query error: %w", err)
		}
		w = activity.NewWatermark(at)
		return nil
	})
	return w, err
}

const upsertWatermarkSQL = `
INSERT INTO activity_watermarks (account_id, watermark, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (account_id) DO UPDATE
SET watermark = EXCLUDED.watermark, updated_at = NOW()`

// Save upserts the account's watermark.
func (s *WatermarkStore) Save(ctx context.Context, accountID string, w activity.Watermark) error {
	if w.IsZero() {
		return fmt.Errorf("refusing to save unset watermark for account %s", accountID)
	}
	attrs := storage.Attrs(
		attribute.String("account_id", accountID),
		attribute.String("watermark", w.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_watermark", attrs, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, upsertWatermarkSQL, accountID, w.Time()); err != nil {
			return fmt.Errorf("save watermark upsert error: %w", err)
		}
		return nil
	})
}
