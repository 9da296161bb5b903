package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/azure-armada/pkg/common/logger"
)

func get(t *testing.T, mux http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestLiveness(t *testing.T) {
	mux, err := Mux(Config{Build: "abc", Log: logger.Noop()})
	require.NoError(t, err)

	rec, body := get(t, mux, "/v1/liveness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "abc", body["build"])
}

func TestReadiness(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		mux, err := Mux(Config{
			Log: logger.Noop(),
			Checks: map[string]Check{
				"postgres": func(context.Context) error { return nil },
			},
		})
		require.NoError(t, err)

		rec, body := get(t, mux, "/v1/readiness")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", body["status"])
		assert.NotContains(t, body, "errors")
	})

	t.Run("failing check reports the dependency", func(t *testing.T) {
		mux, err := Mux(Config{
			Log: logger.Noop(),
			Checks: map[string]Check{
				"postgres": func(context.Context) error { return nil },
				"kafka":    func(context.Context) error { return errors.New("no brokers") },
			},
		})
		require.NoError(t, err)

		rec, body := get(t, mux, "/v1/readiness")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", body["status"])
		assert.Equal(t, map[string]any{"kafka": "no brokers"}, body["errors"])
	})

	t.Run("checks run under a deadline", func(t *testing.T) {
		mux, err := Mux(Config{
			Log: logger.Noop(),
			Checks: map[string]Check{
				"slow": func(ctx context.Context) error {
					_, ok := ctx.Deadline()
					if !ok {
						return errors.New("no deadline")
					}
					return nil
				},
			},
		})
		require.NoError(t, err)

		rec, _ := get(t, mux, "/v1/readiness")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
