// Package timeutil abstracts the wall clock so time-dependent logic can be
// exercised deterministically in tests.
package timeutil

import "time"

// Provider returns the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realProvider{} }

// Mock is a Provider that always returns CurrentTime.
type Mock struct {
	CurrentTime time.Time
}

// Now returns the mocked time.
func (m *Mock) Now() time.Time { return m.CurrentTime }

// Advance moves the mocked clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }
