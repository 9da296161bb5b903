package memory

import (
	"context"
	"sync"

	"github.com/ahrav/azure-armada/internal/domain/activity"
)

// WatermarkStore holds the latest watermark per account.
type WatermarkStore struct {
	mu    sync.Mutex
	marks map[string]activity.Watermark
}

// NewWatermarkStore creates an empty in-memory watermark store.
func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{marks: make(map[string]activity.Watermark)}
}

// Load returns the zero Watermark for unknown accounts.
func (s *WatermarkStore) Load(_ context.Context, accountID string) (activity.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[accountID], nil
}

func (s *WatermarkStore) Save(_ context.Context, accountID string, w activity.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[accountID] = w
	return nil
}
