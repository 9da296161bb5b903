package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions_Next(t *testing.T) {
	tr := BaseTransitions()

	tests := []struct {
		name   string
		sig    Signal
		from   State
		want   State
		wantOK bool
	}{
		{"start from waiting", SignalStart, StateWaitingToStart, StateBeforeScan, true},
		{"scan from before_scan", SignalScan, StateBeforeScan, StateScanning, true},
		{"scan_complete from scanning", SignalScanComplete, StateScanning, StateSynchronizing, true},
		{"finish from synchronizing", SignalFinish, StateSynchronizing, StateFinished, true},
		{"data self loop on finished", SignalData, StateFinished, StateFinished, true},
		{"abort wildcard", SignalAbort, StateScanning, StateAborted, true},
		{"cancel wildcard", SignalCancel, StateBeforeScan, StateCanceled, true},
		{"start twice", SignalStart, StateBeforeScan, "", false},
		{"finish from scanning", SignalFinish, StateScanning, "", false},
		{"abort after finish", SignalAbort, StateFinished, "", false},
		{"cancel after abort", SignalCancel, StateAborted, "", false},
		{"unknown signal", Signal("bogus"), StateScanning, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tr.Next(tt.sig, tt.from)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitions_ExplicitEntryBeatsWildcard(t *testing.T) {
	tr := BaseTransitions()
	tr.Merge(Transitions{SignalAbort: {AnyState: StateAborted, StateScanning: StateSynchronizing}})

	got, ok := tr.Next(SignalAbort, StateScanning)
	assert.True(t, ok)
	assert.Equal(t, StateSynchronizing, got)

	got, ok = tr.Next(SignalAbort, StateBeforeScan)
	assert.True(t, ok)
	assert.Equal(t, StateAborted, got)
}

func TestTransitions_MergeCopiesEntries(t *testing.T) {
	tr := BaseTransitions()
	extra := Transitions{SignalStart: {StateWaitingToStart: StateScanning}}
	tr.Merge(extra)

	extra[SignalStart][StateWaitingToStart] = StateFinished

	got, _ := tr.Next(SignalStart, StateWaitingToStart)
	assert.Equal(t, StateScanning, got)
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StateFinished, StateAborted, StateCanceled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []State{StateWaitingToStart, StateBeforeScan, StateScanning, StateSynchronizing} {
		assert.False(t, s.IsTerminal(), s)
	}
}
