// Package activity models the management-plane audit events harvested from a
// cloud provider's activity log and the watermark used to page through them.
package activity

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when a raw event lacks a parseable eventTimestamp.
var ErrInvalidTimestamp = errors.New("event timestamp missing or unparseable")

// EventFields is the fixed projection requested from the provider. Every
// EventRecord carries exactly these fields.
var EventFields = []string{
	"authorization",
	"description",
	"eventDataId",
	"eventName",
	"eventTimestamp",
	"resourceGroupName",
	"resourceProviderName",
	"resourceId",
	"resourceType",
}

// SelectClause joins EventFields into the provider's projection syntax.
func SelectClause() string { return strings.Join(EventFields, ",") }

// LocalizableString is the provider's value/display-value pair.
type LocalizableString struct {
	Value          string `json:"value"`
	LocalizedValue string `json:"localizedValue,omitempty"`
}

// Authorization describes the RBAC context an operation was performed under.
type Authorization struct {
	Action string `json:"action,omitempty"`
	Role   string `json:"role,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

// EventRecord is the decoded projection of a single activity-log event.
type EventRecord struct {
	Authorization        *Authorization    `json:"authorization,omitempty"`
	Description          string            `json:"description,omitempty"`
	EventDataID          string            `json:"eventDataId"`
	EventName            LocalizableString `json:"eventName"`
	EventTimestamp       time.Time         `json:"eventTimestamp"`
	ResourceGroupName    string            `json:"resourceGroupName,omitempty"`
	ResourceProviderName LocalizableString `json:"resourceProviderName"`
	ResourceID           string            `json:"resourceId,omitempty"`
	ResourceType         LocalizableString `json:"resourceType"`
}

// EventBatch is a sequence of events ordered ascending by EventTimestamp.
// Batches are built with NewEventBatch so the ordering always holds.
type EventBatch []EventRecord

// NewEventBatch copies records and sorts the copy ascending by timestamp.
// Events sharing a timestamp keep their provider order.
func NewEventBatch(records []EventRecord) EventBatch {
	if len(records) == 0 {
		return EventBatch{}
	}
	b := make(EventBatch, len(records))
	copy(b, records)
	slices.SortStableFunc(b, func(a, c EventRecord) int {
		return a.EventTimestamp.Compare(c.EventTimestamp)
	})
	return b
}

// IsEmpty reports whether the batch holds no events.
func (b EventBatch) IsEmpty() bool { return len(b) == 0 }

// MaxTimestamp returns the timestamp of the last event. The second return
// value is false for an empty batch.
func (b EventBatch) MaxTimestamp() (time.Time, bool) {
	if len(b) == 0 {
		return time.Time{}, false
	}
	return b[len(b)-1].EventTimestamp, true
}

// IsOrdered reports whether timestamps are non-decreasing.
func (b EventBatch) IsOrdered() bool {
	return slices.IsSortedFunc(b, func(a, c EventRecord) int {
		return a.EventTimestamp.Compare(c.EventTimestamp)
	})
}
