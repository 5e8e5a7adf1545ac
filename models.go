package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PricePrecision is the number of decimal places unit prices are normalised
// to before any comparison. Octopus publishes rates to four places.
const PricePrecision = 4

// Fuel selects which Octopus tariff endpoints to query.
type Fuel string

const (
	FuelGas         Fuel = "gas"
	FuelElectricity Fuel = "electricity"
)

// RateRecord is one unit price valid over a half-open interval [ValidFrom, ValidTo).
type RateRecord struct {
	ValidFrom time.Time       `json:"valid_from"`
	ValidTo   time.Time       `json:"valid_to"`
	UnitPrice decimal.Decimal `json:"unit_price"` // pence per kWh
	Currency  string          `json:"currency"`

	// Stale marks a record whose price was carried forward over an interval
	// the upstream tariff did not cover.
	Stale bool `json:"stale,omitempty"`

	// TadoID is set on records read back from Tado Energy IQ so changed
	// periods can be updated in place rather than duplicated.
	TadoID string `json:"-"`
}

// Covers reports whether t falls inside the record's interval.
func (r RateRecord) Covers(t time.Time) bool {
	return !t.Before(r.ValidFrom) && t.Before(r.ValidTo)
}

// Duration returns the length of the record's interval.
func (r RateRecord) Duration() time.Duration {
	return r.ValidTo.Sub(r.ValidFrom)
}

// TariffWindow is an ordered sequence of rate records for one tariff,
// sorted by ValidFrom with no overlapping intervals.
type TariffWindow struct {
	TariffCode string       `json:"tariff_code"`
	Records    []RateRecord `json:"records"`
}

// Span returns the window's overall [from, to) interval.
func (w TariffWindow) Span() (time.Time, time.Time) {
	if len(w.Records) == 0 {
		return time.Time{}, time.Time{}
	}
	return w.Records[0].ValidFrom, w.Records[len(w.Records)-1].ValidTo
}

// Validate checks the ordering and overlap invariants.
func (w TariffWindow) Validate() error {
	for i, r := range w.Records {
		if !r.ValidFrom.Before(r.ValidTo) {
			return &ValidationError{
				Interval: fmt.Sprintf("%s/%s", r.ValidFrom.Format(time.RFC3339), r.ValidTo.Format(time.RFC3339)),
				Message:  "interval is empty or inverted",
			}
		}
		if i > 0 && w.Records[i-1].ValidTo.After(r.ValidFrom) {
			return &ValidationError{
				Interval: fmt.Sprintf("%s/%s", r.ValidFrom.Format(time.RFC3339), r.ValidTo.Format(time.RFC3339)),
				Message:  "interval overlaps the previous record",
			}
		}
	}
	return nil
}

// Credentials holds everything needed to talk to both APIs for one run.
// Resolved once at startup and passed explicitly to the client constructors.
type Credentials struct {
	TadoEmail     string
	TadoPassword  string
	ShortCode     string
	LongCode      string
	OctopusAPIKey string

	// Optional, enables the meter-reading backfill.
	Mprn            string
	GasSerialNumber string
}

// String redacts every secret so Credentials can never leak through a log line.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{TadoEmail:%s TadoPassword:*** ShortCode:%s LongCode:%s OctopusAPIKey:***}",
		c.TadoEmail, c.ShortCode, c.LongCode)
}

// Validate checks that the required fields are present.
func (c Credentials) Validate() error {
	required := []struct{ flag, value string }{
		{"tado-email", c.TadoEmail},
		{"tado-password", c.TadoPassword},
		{"short-code", c.ShortCode},
		{"long-code", c.LongCode},
		{"octopus-api-key", c.OctopusAPIKey},
	}
	for _, f := range required {
		if f.value == "" {
			return &ValidationError{Message: fmt.Sprintf("missing required flag --%s", f.flag)}
		}
	}
	if (c.Mprn == "") != (c.GasSerialNumber == "") {
		return &ValidationError{Message: "--mprn and --gas-serial-number must be provided together"}
	}
	return nil
}

// normalisePrice rounds a price to the fixed comparison precision.
func normalisePrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PricePrecision)
}

// priceEqual compares two prices at fixed precision, never as floats.
func priceEqual(a, b decimal.Decimal) bool {
	return normalisePrice(a).Equal(normalisePrice(b))
}
