package main

import (
	"context"
	"log"
	"path/filepath"
	"time"
)

// RunBackfill replays a historical [start, end) date range through the same
// fetch-map-apply pipeline as a sync pass, in fixed-size chunks. A checkpoint
// is persisted after every chunk so a crash resumes at the next chunk; no
// progress below chunk granularity is ever persisted.
func (app *App) RunBackfill(ctx context.Context) error {
	start, end, err := app.backfillRange()
	if err != nil {
		return err
	}

	app.transition(phaseInit)
	checkpointPath := filepath.Join(app.stateDir, backfillCheckpointFile)
	checkpoint, err := LoadCheckpoint(checkpointPath, start, end)
	if err != nil {
		return err
	}

	cursor := start
	if checkpoint != nil {
		cursor = checkpoint.Cursor
		log.Printf("Resuming backfill at %s", cursor.Format("2006-01-02"))
	}

	if err := app.authenticate(ctx); err != nil {
		return err
	}
	app.transition(phaseAuthenticated)

	existing, err := app.Tado.ExistingTariffs(ctx)
	if err != nil {
		return err
	}

	chunk := time.Duration(app.Config.ChunkDays) * 24 * time.Hour
	for cursor.Before(end) {
		chunkEnd := cursor.Add(chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		log.Printf("Backfilling rates %s to %s", cursor.Format("2006-01-02"), chunkEnd.Format("2006-01-02"))

		octopusWindow, err := app.Octopus.FetchRates(
			app.Config.Credentials.ShortCode, app.Config.Credentials.LongCode,
			app.Config.Fuel, cursor, chunkEnd)
		if err != nil {
			return err
		}
		app.transition(phaseFetched)

		newWindow, diff, err := mapRates(octopusWindow, existing)
		if err != nil {
			return err
		}
		app.transition(phaseMapped)

		if len(diff.Records) > 0 {
			result, err := app.Tado.ApplyRates(ctx, diff)
			if err != nil {
				return err
			}
			log.Printf("Chunk applied %d new and %d updated tariff periods", result.Created, result.Updated)
		}

		// Later chunks diff against what this chunk just wrote.
		existing = newWindow

		checkpoint = &BackfillCheckpoint{Start: start, End: end, Cursor: chunkEnd}
		if err := checkpoint.Save(checkpointPath); err != nil {
			return err
		}
		cursor = chunkEnd
	}

	if app.Config.Credentials.Mprn != "" {
		if err := app.backfillMeterReadings(ctx, start, end); err != nil {
			return err
		}
	}
	app.transition(phaseApplied)

	if err := RemoveCheckpoint(checkpointPath); err != nil {
		return err
	}
	app.transition(phaseDone)

	return nil
}

// backfillMeterReadings pushes cumulative daily gas consumption into Energy
// IQ so historical cost estimates line up with the backfilled rates.
func (app *App) backfillMeterReadings(ctx context.Context, start, end time.Time) error {
	log.Printf("Backfilling meter readings for meter point %s", app.Config.Credentials.Mprn)

	consumption, err := app.Octopus.FetchDailyConsumption(
		app.Config.Credentials.Mprn, app.Config.Credentials.GasSerialNumber, start, end)
	if err != nil {
		return err
	}
	log.Printf("Fetched %d daily consumption records", len(consumption))

	var cumulative float64
	for _, interval := range consumption {
		cumulative += interval.Consumption
		if err := app.Tado.SendMeterReading(ctx, interval.IntervalEnd, int64(cumulative)); err != nil {
			return err
		}
	}
	return nil
}

// backfillRange resolves the requested date range, defaulting to the last
// year ending today, normalised to UTC midnights.
func (app *App) backfillRange() (time.Time, time.Time, error) {
	end := truncateToMidnight(app.now().UTC())
	if app.Config.End != nil {
		end = truncateToMidnight(app.Config.End.UTC())
	}
	start := end.AddDate(-1, 0, 0)
	if app.Config.Start != nil {
		start = truncateToMidnight(app.Config.Start.UTC())
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, &ValidationError{
			Interval: start.Format("2006-01-02") + "/" + end.Format("2006-01-02"),
			Message:  "backfill start must precede its end",
		}
	}
	return start, end, nil
}

func truncateToMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
