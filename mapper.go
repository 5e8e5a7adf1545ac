package main

import (
	"time"
)

// defaultGridStep is used when neither window carries enough records to
// derive a granularity. Octopus publishes half-hourly slots at finest.
const defaultGridStep = 30 * time.Minute

// mapRates reconciles the upstream Octopus window with the rates already
// recorded in Tado. It is a pure function: same inputs, same outputs.
//
// Both windows are aligned on a common grid (the finer of the two
// granularities). Each grid cell takes the Octopus rate covering it; cells in
// gaps interior to the Octopus coverage carry the last known rate forward and
// are marked stale; cells outside the Octopus coverage keep the existing Tado
// price untouched. Cells covered by neither window are left as explicit gaps.
//
// The returned diff is the minimal ordered sequence of intervals whose price
// differs from the existing window, with TadoIDs attached where an existing
// period with the identical interval can be updated in place.
func mapRates(octopusWindow, existingWindow TariffWindow) (TariffWindow, TariffWindow, error) {
	if err := octopusWindow.Validate(); err != nil {
		return TariffWindow{}, TariffWindow{}, err
	}
	if err := existingWindow.Validate(); err != nil {
		return TariffWindow{}, TariffWindow{}, err
	}

	tariffCode := octopusWindow.TariffCode
	if len(octopusWindow.Records) == 0 && len(existingWindow.Records) == 0 {
		return TariffWindow{TariffCode: tariffCode}, TariffWindow{TariffCode: tariffCode}, nil
	}

	step := gridStep(octopusWindow, existingWindow)
	start, end := unionSpan(octopusWindow, existingWindow)
	octStart, octEnd := octopusWindow.Span()

	var cells []RateRecord
	var diffCells []RateRecord
	var carried RateRecord
	haveCarry := false

	for t := start; t.Before(end); t = t.Add(step) {
		cell := RateRecord{ValidFrom: t, ValidTo: t.Add(step), Currency: "GBP"}

		existing := findRate(existingWindow.Records, t)

		switch r := findRate(octopusWindow.Records, t); {
		case r != nil:
			cell.UnitPrice = r.UnitPrice
			if r.Currency != "" {
				cell.Currency = r.Currency
			}
			carried = *r
			haveCarry = true
		case haveCarry && t.Before(octEnd):
			// Gap inside the upstream coverage: carry the last rate forward.
			cell.UnitPrice = carried.UnitPrice
			cell.Currency = carried.Currency
			cell.Stale = true
		case existing != nil:
			// Outside upstream coverage: leave the recorded price untouched.
			cell.UnitPrice = existing.UnitPrice
			cell.Currency = existing.Currency
		default:
			continue // covered by neither side, explicit gap
		}

		cells = append(cells, cell)
		if t.Before(octStart) || !t.Before(octEnd) {
			continue // never diff intervals the upstream did not speak to
		}
		if existing == nil || !priceEqual(existing.UnitPrice, cell.UnitPrice) {
			diffCells = append(diffCells, cell)
		}
	}

	newWindow := TariffWindow{TariffCode: tariffCode, Records: coalesce(cells)}
	diff := TariffWindow{TariffCode: tariffCode, Records: coalesce(diffCells)}
	attachExistingIDs(diff.Records, existingWindow.Records)

	return newWindow, diff, nil
}

// gridStep picks the finer granularity of the two windows, the shortest
// record either side carries.
func gridStep(a, b TariffWindow) time.Duration {
	step := time.Duration(0)
	for _, w := range []TariffWindow{a, b} {
		for _, r := range w.Records {
			if d := r.Duration(); step == 0 || d < step {
				step = d
			}
		}
	}
	if step <= 0 {
		return defaultGridStep
	}
	return step
}

func unionSpan(a, b TariffWindow) (time.Time, time.Time) {
	start, end := a.Span()
	bStart, bEnd := b.Span()
	if start.IsZero() || (!bStart.IsZero() && bStart.Before(start)) {
		start = bStart
	}
	if end.IsZero() || bEnd.After(end) {
		end = bEnd
	}
	return start, end
}

// findRate returns the record whose interval covers t, or nil.
func findRate(records []RateRecord, t time.Time) *RateRecord {
	for i := range records {
		if records[i].Covers(t) {
			return &records[i]
		}
	}
	return nil
}

// coalesce merges contiguous cells with equal price and staleness back into
// maximal records, so a window survives a round trip through a finer grid.
func coalesce(cells []RateRecord) []RateRecord {
	var out []RateRecord
	for _, cell := range cells {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.ValidTo.Equal(cell.ValidFrom) &&
				last.Stale == cell.Stale &&
				last.Currency == cell.Currency &&
				priceEqual(last.UnitPrice, cell.UnitPrice) {
				last.ValidTo = cell.ValidTo
				continue
			}
		}
		out = append(out, cell)
	}
	return out
}

// attachExistingIDs marks diff records that replace an existing period with
// the identical interval, so the apply step updates rather than duplicates.
func attachExistingIDs(diff, existing []RateRecord) {
	for i := range diff {
		for _, e := range existing {
			if e.TadoID != "" && e.ValidFrom.Equal(diff[i].ValidFrom) && e.ValidTo.Equal(diff[i].ValidTo) {
				diff[i].TadoID = e.TadoID
				break
			}
		}
	}
}
