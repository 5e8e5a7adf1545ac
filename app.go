package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// defaultLookback tolerates upstream publication delay: each sync pass
	// re-fetches this far behind last_synced_to.
	defaultLookback = 48 * time.Hour

	// defaultFirstSyncWindow bounds the very first pass, when there is no
	// previous state to anchor on.
	defaultFirstSyncWindow = 30 * 24 * time.Hour

	syncStateFile          = "sync_state.json"
	backfillCheckpointFile = "backfill_checkpoint.json"
)

// Config contains configuration for one run.
type Config struct {
	Credentials Credentials
	Fuel        Fuel

	CacheDirectory string // "disable" to disable HTTP caching
	StateDir       string // empty for the per-user default
	OutputCSV      string // optional audit CSV of the applied diff

	Lookback time.Duration

	// Backfill range and chunking.
	Start     *time.Time
	End       *time.Time
	ChunkDays int
}

// phase names the sync pipeline stages, logged as the pass progresses.
type phase string

const (
	phaseInit          phase = "INIT"
	phaseAuthenticated phase = "AUTHENTICATED"
	phaseFetched       phase = "FETCHED"
	phaseMapped        phase = "MAPPED"
	phaseApplied       phase = "APPLIED"
	phaseDone          phase = "DONE"
)

// App manages application dependencies and logic.
type App struct {
	Config     *Config
	HTTPClient *http.Client
	Octopus    *OctopusService
	Tado       *TadoService

	stateDir string
	now      func() time.Time
}

func NewApp(config *Config) (*App, error) {
	if err := config.Credentials.Validate(); err != nil {
		return nil, err
	}
	if config.Fuel == "" {
		config.Fuel = FuelGas
	}
	if config.Lookback <= 0 {
		config.Lookback = defaultLookback
	}
	if config.ChunkDays <= 0 {
		config.ChunkDays = 7
	}

	rt := http.RoundTripper(http.DefaultTransport)

	if config.CacheDirectory != "disable" && config.CacheDirectory != "" {
		cacheDir := config.CacheDirectory
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return nil, err
		}
		rt = &CachingRoundTripper{
			UnderlyingTransport: http.DefaultTransport, CacheDir: filepath.Clean(cacheDir),
		}
		log.Printf("HTTP caching enabled in directory: %s", cacheDir)
	}

	// Retries sit above the cache so hits never burn the retry budget.
	rt = NewRetryingRoundTripper(rt)

	stateDir := config.StateDir
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, err
	}

	return &App{
		Config:     config,
		HTTPClient: &http.Client{Transport: rt, Timeout: 30 * time.Second},
		Octopus:    NewOctopusService(rt, config.Credentials.OctopusAPIKey),
		stateDir:   stateDir,
		now:        time.Now,
	}, nil
}

func (app *App) transition(p phase) {
	log.Printf("Phase %s", p)
}

// authenticate logs into Tado unless a service was injected already.
func (app *App) authenticate(ctx context.Context) error {
	if app.Tado != nil {
		return nil
	}
	tado, err := NewTadoService(ctx, app.HTTPClient.Transport, app.Config.Credentials.TadoEmail, app.Config.Credentials.TadoPassword)
	if err != nil {
		return err
	}
	app.Tado = tado
	return nil
}

// RunSync performs one incremental sync pass: fetch the recent Octopus
// window, diff it against what Tado already has, apply only the deltas and
// advance the persisted state. On any failure no state is written, so the
// next pass redoes the whole window.
func (app *App) RunSync(ctx context.Context) error {
	app.transition(phaseInit)
	statePath := filepath.Join(app.stateDir, syncStateFile)
	state, err := LoadSyncState(statePath)
	if err != nil {
		return err
	}

	if err := app.authenticate(ctx); err != nil {
		return err
	}
	app.transition(phaseAuthenticated)

	now := app.now().UTC()
	from := now.Add(-defaultFirstSyncWindow)
	if !state.LastSyncedTo.IsZero() {
		from = state.LastSyncedTo.Add(-app.Config.Lookback)
	}
	log.Printf("Fetching %s rates for %s from %s to %s",
		app.Config.Fuel, app.Config.Credentials.LongCode,
		from.Format(time.RFC3339), now.Format(time.RFC3339))

	octopusWindow, err := app.Octopus.FetchRates(
		app.Config.Credentials.ShortCode, app.Config.Credentials.LongCode,
		app.Config.Fuel, from, now)
	if err != nil {
		return err
	}
	existing, err := app.Tado.ExistingTariffs(ctx)
	if err != nil {
		return err
	}
	app.transition(phaseFetched)
	log.Printf("Fetched %d octopus rate records, %d existing tado periods",
		len(octopusWindow.Records), len(existing.Records))

	newWindow, diff, err := mapRates(octopusWindow, existing)
	if err != nil {
		return err
	}
	app.transition(phaseMapped)

	if len(diff.Records) == 0 {
		log.Printf("Rates already up to date, nothing to apply")
	} else {
		result, err := app.Tado.ApplyRates(ctx, diff)
		if err != nil {
			return err
		}
		log.Printf("Applied %d new and %d updated tariff periods", result.Created, result.Updated)
	}
	app.transition(phaseApplied)

	if app.Config.OutputCSV != "" {
		if err := writeRatesCSV(app.Config.OutputCSV, diff, existing); err != nil {
			return err
		}
		log.Printf("Wrote diff CSV to %s", app.Config.OutputCSV)
	}

	state.LastSyncedTo = now
	state.AppliedHash = windowHash(newWindow)
	if err := state.Save(statePath); err != nil {
		return err
	}
	app.transition(phaseDone)

	return nil
}
