package scorekeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/metrics"
	"github.com/canopy-network/scorekeeper/pkg/scheduler"
)

func testApp(t *testing.T) *App {
	t.Helper()
	logger := zaptest.NewLogger(t)
	a := &App{
		Config: &config.Config{
			Cron: config.CronConfig{
				Validity:        config.ValidityCron,
				ValidityEnabled: false,
				Scorekeeper:     config.ScorekeeperCron,
				Execution:       config.ExecutionCron,
				Cancel:          config.CancelCron,
				Stale:           config.StaleCron,
				Monitor:         config.MonitorCron,
				ClearOffline:    config.ClearOfflineCron,
			},
		},
		Logger:  logger,
		Store:   memory.New(),
		Metrics: metrics.New(),
	}
	a.Scheduler = scheduler.New(logger, a.Metrics)
	require.NoError(t, a.RegisterJobs())
	return a
}

func TestRegisterJobsHonoursValidityFlag(t *testing.T) {
	a := testApp(t)
	running := a.Scheduler.Running()
	require.Len(t, running, 6)
	_, ok := running[JobValidity]
	require.False(t, ok)
	_, ok = running[JobClearOffline]
	require.True(t, ok)
}

func TestClearOfflineJobRunsThroughScheduler(t *testing.T) {
	a := testApp(t)
	ran, err := a.Scheduler.Trigger(JobClearOffline)
	require.NoError(t, err)
	require.True(t, ran)
	require.NoError(t, a.clearOfflineJob(context.Background()))
}

func TestRoutes(t *testing.T) {
	a := testApp(t)
	router := a.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	a.ready.Store(true)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []scheduler.JobInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 6)
	require.Equal(t, JobCancel, jobs[0].Name)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
