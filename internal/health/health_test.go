package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofencehq/pipeline/internal/platform/telemetry"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(_ context.Context) error {
	return f.err
}

func TestHandleHealth_AllComponentsUp(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	metrics := telemetry.NewMetrics()
	metrics.IngestDLQTotal.Inc()

	err := handleHealth(c, map[string]Pinger{
		"postgres": fakePinger{},
		"nats":     fakePinger{},
	}, metrics)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Components["postgres"])
	assert.Equal(t, float64(1), resp.Metrics["geofence_ingest_dlq_total"])
}

func TestHandleHealth_OneComponentDown(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handleHealth(c, map[string]Pinger{
		"postgres": fakePinger{},
		"nats":     fakePinger{err: errors.New("connection refused")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Components["nats"])
}
