package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/activity"
)

const insightsAPIVersion = "2015-04-01"

var _ activity.EventLister = (*Client)(nil)

type eventPage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"nextLink"`
}

// ListEvents queries the subscription's management activity log. With
// q.FetchAll every nextLink is followed until one points at a page already
// fetched; otherwise only the first page is returned.
func (c *Client) ListEvents(ctx context.Context, q activity.EventQuery) ([]activity.EventRecord, error) {
	const op = "list_events"

	ctx, span := c.tracer.Start(ctx, "azure.list_events",
		trace.WithAttributes(
			attribute.String("filter", q.Filter),
			attribute.Bool("fetch_all", q.FetchAll),
		))
	defer span.End()

	params := url.Values{}
	params.Set("api-version", insightsAPIVersion)
	params.Set("$filter", q.Filter)
	if q.Select != "" {
		params.Set("$select", q.Select)
	}
	next := c.subscriptionURL("/providers/microsoft.insights/eventtypes/management/values") + "?" + params.Encode()

	var (
		records []activity.EventRecord
		pages   int
		seen    = make(map[string]struct{})
	)
	for next != "" {
		if _, ok := seen[next]; ok {
			c.logger.Warn(ctx, "activity log returned a nextLink already fetched, stopping",
				"next_link", next,
				"pages", pages,
			)
			span.SetAttributes(attribute.Bool("repeated_next_link", true))
			break
		}
		seen[next] = struct{}{}

		var page eventPage
		if _, err := c.do(ctx, op, "GET", next, nil, &page); err != nil {
			span.RecordError(err)
			return nil, err
		}
		pages++

		for i, raw := range page.Value {
			rec, err := decodeEvent(raw)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("failed to decode event %d of page %d: %w", i, pages, err)
			}
			records = append(records, rec)
		}

		if !q.FetchAll {
			break
		}
		next = page.NextLink
	}

	span.SetAttributes(attribute.Int("pages", pages), attribute.Int("events", len(records)))
	return records, nil
}

// wireEvent shadows EventRecord's timestamp so it can be validated
// separately from the rest of the record.
type wireEvent struct {
	activity.EventRecord
	EventTimestamp string `json:"eventTimestamp"`
}

// decodeEvent converts one raw activity-log entry into an EventRecord. An
// entry without a parseable eventTimestamp is rejected with
// activity.ErrInvalidTimestamp since the watermark cannot account for it.
func decodeEvent(raw []byte) (activity.EventRecord, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return activity.EventRecord{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if w.EventTimestamp == "" {
		return activity.EventRecord{}, activity.ErrInvalidTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, w.EventTimestamp)
	if err != nil {
		return activity.EventRecord{}, fmt.Errorf("%w: %q", activity.ErrInvalidTimestamp, w.EventTimestamp)
	}

	rec := w.EventRecord
	rec.EventTimestamp = ts.UTC()
	return rec, nil
}
