package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func backfillConfig(stateDir string, start, end time.Time) *Config {
	config := testConfig(stateDir)
	config.Start = &start
	config.End = &end
	config.ChunkDays = 7
	return config
}

// fortnightOfRates returns one whole-day rate per day of [start, start+14d)
// with a price that varies by day.
func fortnightOfRates(start time.Time) []octoRate {
	var rates []octoRate
	for i := 0; i < 14; i++ {
		day := start.AddDate(0, 0, i)
		rates = append(rates, dayRate(day.Format("2006-01-02"), 10.0+float64(i%3)))
	}
	return rates
}

func TestRunBackfill(t *testing.T) {
	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)

	backend := newFakeBackend(t)
	backend.rates = fortnightOfRates(start)

	config := backfillConfig(t.TempDir(), start, end)
	app := newTestApp(t, backend, config)

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, app.RunBackfill(context.Background()))

	// The backfill walks the same phases as a sync pass, per chunk.
	for _, phase := range []phase{phaseInit, phaseAuthenticated, phaseFetched, phaseMapped, phaseApplied, phaseDone} {
		require.Contains(t, logs.String(), fmt.Sprintf("Phase %s", phase))
	}

	// 14 days of rates, applied across two chunks.
	require.Len(t, backend.tariffs, 14)
	require.Equal(t, "2024-12-01", backend.tariffs[0].StartDate)
	require.Equal(t, "2024-12-14", backend.tariffs[13].StartDate)

	rateRequests := backend.requestsMatching(http.MethodGet, "standard-unit-rates")
	require.Len(t, rateRequests, 2, "one rate fetch per 7-day chunk")

	// Completion removes the checkpoint.
	_, err := os.Stat(filepath.Join(config.StateDir, backfillCheckpointFile))
	require.True(t, os.IsNotExist(err))
}

func TestRunBackfillResumesAfterFailure(t *testing.T) {
	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)
	stateDir := t.TempDir()

	backend := newFakeBackend(t)
	backend.rates = fortnightOfRates(start)
	backend.failRateOn = 2 // the second chunk's fetch fails

	app := newTestApp(t, backend, backfillConfig(stateDir, start, end))
	err := app.RunBackfill(context.Background())
	require.Error(t, err)
	require.Equal(t, "upstream", errorClass(err))

	// The first chunk was applied and checkpointed before the failure.
	require.Len(t, backend.tariffs, 7)
	checkpointPath := filepath.Join(stateDir, backfillCheckpointFile)
	checkpoint, err := LoadCheckpoint(checkpointPath, start, end)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.True(t, checkpoint.Cursor.Equal(start.AddDate(0, 0, 7)))

	// A fresh process over the same range resumes at the checkpoint instead
	// of refetching the first chunk.
	backend.failRateOn = 0
	resumed := newTestApp(t, backend, backfillConfig(stateDir, start, end))
	require.NoError(t, resumed.RunBackfill(context.Background()))

	rateRequests := backend.requestsMatching(http.MethodGet, "standard-unit-rates")
	require.Len(t, rateRequests, 3)
	lastFetch, err := url.Parse(rateRequests[2].URL)
	require.NoError(t, err)
	fetchFrom, err := time.Parse(time.RFC3339, lastFetch.Query().Get("period_from"))
	require.NoError(t, err)
	require.True(t, fetchFrom.Equal(start.AddDate(0, 0, 7)), "resume must start at the checkpoint cursor")

	require.Len(t, backend.tariffs, 14)
	_, statErr := os.Stat(checkpointPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunBackfillMeterReadings(t *testing.T) {
	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)

	backend := newFakeBackend(t)
	backend.rates = []octoRate{
		dayRate("2024-12-01", 10.5),
		dayRate("2024-12-02", 10.5),
	}
	backend.consumption = []octoConsumption{
		{Consumption: 12.5, IntervalStart: "2024-12-01T00:00:00Z", IntervalEnd: "2024-12-02T00:00:00Z"},
		{Consumption: 11.0, IntervalStart: "2024-12-02T00:00:00Z", IntervalEnd: "2024-12-03T00:00:00Z"},
	}

	config := backfillConfig(t.TempDir(), start, end)
	config.Credentials.Mprn = "1234567890"
	config.Credentials.GasSerialNumber = "SN-1"

	app := newTestApp(t, backend, config)
	require.NoError(t, app.RunBackfill(context.Background()))

	// Daily consumption accumulates into running meter readings.
	readings := backend.requestsMatching(http.MethodPost, "/meterReadings")
	require.Len(t, readings, 2)
	require.JSONEq(t, `{"date":"2024-12-02","reading":12}`, readings[0].Body)
	require.JSONEq(t, `{"date":"2024-12-03","reading":23}`, readings[1].Body)
}

func TestBackfillRangeDefaultsAndValidation(t *testing.T) {
	backend := newFakeBackend(t)
	app := newTestApp(t, backend, testConfig(t.TempDir()))

	start, end, err := app.backfillRange()
	require.NoError(t, err)
	require.True(t, end.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.True(t, start.Equal(end.AddDate(-1, 0, 0)))

	inverted := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	app.Config.Start = &inverted
	_, _, err = app.backfillRange()
	require.Error(t, err)
	require.Equal(t, "validation", errorClass(err))
}
