package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

const (
	testSub = "sub-1"
	testVM  = "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/virtualMachines/web"
)

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{
		SubscriptionID:    testSub,
		Endpoint:          srv.URL,
		RequestsPerSecond: 1000,
		Burst:             1000,
		PollInterval:      time.Millisecond,
		OperationTimeout:  time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c := NewClient(cfg, StaticToken("tok"), logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithHTTPClient(srv.Client()))
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func rawEvent(id, ts string) map[string]any {
	return map[string]any{
		"eventDataId":       id,
		"eventTimestamp":    ts,
		"resourceId":        "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/virtualMachines/web",
		"resourceGroupName": "rg-a",
		"eventName":         map[string]string{"value": "EndRequest", "localizedValue": "End request"},
		"resourceType":      map[string]string{"value": "Microsoft.Compute/virtualMachines"},
		"authorization":     map[string]string{"action": "Microsoft.Compute/virtualMachines/write", "scope": "/subscriptions/sub-1"},
	}
}

func TestListEvents_SendsQueryAndFollowsNextLink(t *testing.T) {
	var calls atomic.Int32
	var srvURL string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		if n == 1 {
			assert.Equal(t, "/subscriptions/sub-1/providers/microsoft.insights/eventtypes/management/values", r.URL.Path)
			q := r.URL.Query()
			assert.Equal(t, "eventTimestamp ge 2024-03-10T15:28:00.000", q.Get("$filter"))
			assert.Equal(t, activity.SelectClause(), q.Get("$select"))
			assert.Equal(t, insightsAPIVersion, q.Get("api-version"))
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value":    []any{rawEvent("evt-1", "2024-03-10T15:29:00.1234567Z")},
				"nextLink": srvURL + "/page2",
			})
			return
		}
		assert.Equal(t, "/page2", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"value": []any{rawEvent("evt-2", "2024-03-10T15:29:30Z")},
		})
	}))
	srvURL = srv.URL

	recs, err := c.ListEvents(context.Background(), activity.EventQuery{
		Filter:   "eventTimestamp ge 2024-03-10T15:28:00.000",
		Select:   activity.SelectClause(),
		FetchAll: true,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, "evt-1", recs[0].EventDataID)
	assert.Equal(t, time.Date(2024, 3, 10, 15, 29, 0, 123456700, time.UTC), recs[0].EventTimestamp)
	assert.Equal(t, "EndRequest", recs[0].EventName.Value)
	require.NotNil(t, recs[0].Authorization)
	assert.Equal(t, "Microsoft.Compute/virtualMachines/write", recs[0].Authorization.Action)
	assert.Equal(t, "evt-2", recs[1].EventDataID)
}

func TestListEvents_StopsOnRepeatedNextLink(t *testing.T) {
	var calls atomic.Int32
	var srvURL string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n > 10 {
			t.Error("nextLink loop was not broken")
			writeJSON(t, w, http.StatusOK, map[string]any{"value": []any{}})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"value":    []any{rawEvent(fmt.Sprintf("evt-%d", n), "2024-03-10T15:29:00Z")},
			"nextLink": srvURL + "/again",
		})
	}))
	srvURL = srv.URL

	recs, err := c.ListEvents(context.Background(), activity.EventQuery{
		Filter:   "eventTimestamp ge 2024-03-10T15:28:00.000",
		FetchAll: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, recs, 2)
	assert.Equal(t, "evt-1", recs[0].EventDataID)
	assert.Equal(t, "evt-2", recs[1].EventDataID)
}

func TestListEvents_FirstPageOnlyWithoutFetchAll(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"value":    []any{rawEvent("evt-1", "2024-03-10T15:29:00Z")},
			"nextLink": "http://unused.invalid/next",
		})
	}))

	recs, err := c.ListEvents(context.Background(), activity.EventQuery{Filter: "eventTimestamp ge 2024-03-10T15:28:00.000"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListEvents_RejectsEventWithoutTimestamp(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"value": []any{rawEvent("evt-1", "")}})
	}))

	_, err := c.ListEvents(context.Background(), activity.EventQuery{FetchAll: true})
	assert.ErrorIs(t, err, activity.ErrInvalidTimestamp)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		wantTS  time.Time
	}{
		{
			name:   "fractional seconds",
			raw:    `{"eventDataId":"a","eventTimestamp":"2024-01-02T03:04:05.25Z"}`,
			wantTS: time.Date(2024, 1, 2, 3, 4, 5, 250_000_000, time.UTC),
		},
		{
			name:   "offset normalized to utc",
			raw:    `{"eventDataId":"a","eventTimestamp":"2024-01-02T05:04:05+02:00"}`,
			wantTS: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{name: "missing", raw: `{"eventDataId":"a"}`, wantErr: activity.ErrInvalidTimestamp},
		{name: "garbage", raw: `{"eventDataId":"a","eventTimestamp":"yesterday"}`, wantErr: activity.ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := decodeEvent([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTS, rec.EventTimestamp)
			assert.Equal(t, "a", rec.EventDataID)
		})
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  provider.Kind
		wantClass string
	}{
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantKind: provider.KindTimeout},
		{name: "request timeout", status: http.StatusRequestTimeout, wantKind: provider.KindTimeout},
		{
			name:      "arm error code",
			status:    http.StatusConflict,
			body:      `{"error":{"code":"OperationNotAllowed","message":"disk busy"}}`,
			wantKind:  provider.KindProviderError,
			wantClass: "OperationNotAllowed",
		},
		{
			name:      "no body",
			status:    http.StatusInternalServerError,
			wantKind:  provider.KindProviderError,
			wantClass: "HTTP500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.ListEvents(context.Background(), activity.EventQuery{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, provider.KindOf(err))
			if tt.wantClass != "" {
				assert.Equal(t, tt.wantClass, provider.ClassOf(err))
			}
		})
	}
}

func TestClient_ContextDeadlineIsTimeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ListEvents(ctx, activity.EventQuery{})
	assert.True(t, provider.IsTimeout(err), "got %v", err)
}

func TestClient_TooManyRequestsThrottles(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.ListEvents(context.Background(), activity.EventQuery{})
	assert.Equal(t, provider.KindProviderError, provider.KindOf(err))
	assert.InDelta(t, 0.5, c.rateLimiter.Limit(), 0.001)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	assert.Error(t, err)
}

// snapshotAPI fakes the compute endpoints a snapshot round trip touches.
type snapshotAPI struct {
	t          *testing.T
	srvURL     string
	pending    int
	finalState string
	polls      atomic.Int32
	putBody    snapshotRequest
	deleted    atomic.Bool
	deleteCode int
}

func (a *snapshotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/virtualMachines/web"):
		writeJSON(a.t, w, http.StatusOK, map[string]any{
			"location": "eastus",
			"properties": map[string]any{
				"storageProfile": map[string]any{
					"osDisk": map[string]any{
						"name":        "web-os",
						"managedDisk": map[string]string{"id": "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/disks/web-os"},
					},
				},
			},
		})
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/snapshots/"):
		assert.NoError(a.t, json.NewDecoder(r.Body).Decode(&a.putBody))
		w.Header().Set(asyncOperationHeader, a.srvURL+"/operations/op-1")
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodDelete:
		a.deleted.Store(true)
		if a.deleteCode != 0 {
			w.WriteHeader(a.deleteCode)
			return
		}
		w.Header().Set(asyncOperationHeader, a.srvURL+"/operations/op-2")
		w.WriteHeader(http.StatusAccepted)
	case strings.HasPrefix(r.URL.Path, "/operations/"):
		n := int(a.polls.Add(1))
		if n <= a.pending {
			writeJSON(a.t, w, http.StatusOK, map[string]any{"status": "InProgress"})
			return
		}
		resp := map[string]any{"status": a.finalState}
		if a.finalState == "Failed" {
			resp["error"] = map[string]string{"code": "QuotaExceeded", "message": "snapshot quota exceeded"}
		}
		writeJSON(a.t, w, http.StatusOK, resp)
	default:
		a.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func newSnapshotClient(t *testing.T, api *snapshotAPI, mutate ...func(*Config)) *Client {
	api.t = t
	c, srv := newTestClient(t, api, mutate...)
	api.srvURL = srv.URL
	return c
}

var testVMRef = provider.VM{ID: testVM, Name: "web"}

func TestCreateSnapshot_WaitsForAsyncOperation(t *testing.T) {
	api := &snapshotAPI{pending: 2, finalState: "Succeeded"}
	c := newSnapshotClient(t, api)

	handle, err := c.CreateSnapshot(context.Background(), testVMRef, "EVM snapshot for scan job: 42")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(handle, "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/snapshots/web-scan-"))
	assert.Equal(t, int32(3), api.polls.Load())
	assert.Equal(t, "eastus", api.putBody.Location)
	assert.Equal(t, "Copy", api.putBody.Properties.CreationData.CreateOption)
	assert.Equal(t, "EVM snapshot for scan job: 42", api.putBody.Tags["description"])
	assert.True(t, api.putBody.Properties.Incremental)
}

func TestCreateSnapshot_FailedOperationCarriesArmCode(t *testing.T) {
	api := &snapshotAPI{finalState: "Failed"}
	c := newSnapshotClient(t, api)

	_, err := c.CreateSnapshot(context.Background(), testVMRef, "d")
	require.Error(t, err)
	assert.Equal(t, provider.KindProviderError, provider.KindOf(err))
	assert.Equal(t, "QuotaExceeded", provider.ClassOf(err))
}

func TestCreateSnapshot_OperationTimeout(t *testing.T) {
	api := &snapshotAPI{pending: 1 << 30}
	c := newSnapshotClient(t, api, func(cfg *Config) { cfg.OperationTimeout = 30 * time.Millisecond })

	_, err := c.CreateSnapshot(context.Background(), testVMRef, "d")
	assert.True(t, provider.IsTimeout(err), "got %v", err)
}

func TestDeleteSnapshot(t *testing.T) {
	t.Run("waits for completion", func(t *testing.T) {
		api := &snapshotAPI{finalState: "Succeeded"}
		c := newSnapshotClient(t, api)

		require.NoError(t, c.DeleteSnapshot(context.Background(), testVMRef, "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/snapshots/web-scan-1"))
		assert.True(t, api.deleted.Load())
		assert.Equal(t, int32(1), api.polls.Load())
	})

	t.Run("missing snapshot counts as deleted", func(t *testing.T) {
		api := &snapshotAPI{deleteCode: http.StatusNotFound}
		c := newSnapshotClient(t, api)

		assert.NoError(t, c.DeleteSnapshot(context.Background(), testVMRef, "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/snapshots/gone"))
	})

	t.Run("server error", func(t *testing.T) {
		api := &snapshotAPI{deleteCode: http.StatusInternalServerError}
		c := newSnapshotClient(t, api)

		err := c.DeleteSnapshot(context.Background(), testVMRef, "/subscriptions/sub-1/resourceGroups/rg-a/providers/Microsoft.Compute/snapshots/x")
		assert.Equal(t, provider.KindProviderError, provider.KindOf(err))
	})
}

func TestRegistry(t *testing.T) {
	c := NewClient(Config{SubscriptionID: "SUB-1"}, StaticToken("t"), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	r := NewRegistry(c)

	mgr, err := r.SnapshotManagerFor(context.Background(), testVMRef)
	require.NoError(t, err)
	assert.Same(t, c, mgr)

	other := provider.VM{ID: "/subscriptions/sub-2/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/db", Name: "db"}
	_, err = r.SnapshotManagerFor(context.Background(), other)
	assert.True(t, provider.IsMissingProvider(err))

	lister, err := r.Connector("sub-1")(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, lister)

	_, err = r.Connector("sub-9")(context.Background())
	assert.Error(t, err)
}

func TestClassifyTransportError(t *testing.T) {
	assert.True(t, provider.IsTimeout(classifyTransportError("op", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))))
	err := classifyTransportError("op", errors.New("connection refused"))
	assert.Equal(t, "ConnectionError", provider.ClassOf(err))
}
