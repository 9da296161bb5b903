package activity

import "context"

// EventQuery is the provider query issued once per poll.
type EventQuery struct {
	// Filter is the provider filter expression, "eventTimestamp ge <timestamp>".
	Filter string
	// Select is the comma separated field projection.
	Select string
	// FetchAll requests every page; the result must not be truncated.
	FetchAll bool
}

// EventLister is the provider connection capability the poller needs.
type EventLister interface {
	ListEvents(ctx context.Context, q EventQuery) ([]EventRecord, error)
}

// Connector lazily establishes an EventLister for one provider account.
type Connector func(ctx context.Context) (EventLister, error)

// WatermarkRepository persists per-account watermarks across restarts.
type WatermarkRepository interface {
	// Load returns the stored watermark for the account, or the zero
	// Watermark when none exists.
	Load(ctx context.Context, accountID string) (Watermark, error)
	// Save stores the watermark for the account.
	Save(ctx context.Context, accountID string, w Watermark) error
}

// BatchPublisher delivers harvested batches downstream.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, accountID string, batch EventBatch) error
}
