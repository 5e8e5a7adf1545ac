package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-openapi/runtime"
	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	octopus "github.com/mgazza/go-octopus-energy/client"
	"github.com/mgazza/go-octopus-energy/client/gas_meter_points"
	"github.com/mgazza/go-octopus-energy/client/products"
	"github.com/shopspring/decimal"
)

// tariffPageSize fetches two weeks of half-hour slots per page.
const tariffPageSize = int64(672)

// OctopusService handles interactions with the Octopus Energy API.
type OctopusService struct {
	Client *octopus.OctopusEnergyRESTAPI
}

// NewOctopusService creates a new OctopusService with pre-configured authentication.
func NewOctopusService(rt http.RoundTripper, apiKey string) *OctopusService {
	cfg := octopus.DefaultTransportConfig()
	transport := httptransport.New(cfg.Host, cfg.BasePath, cfg.Schemes)
	transport.Transport = rt
	transport.DefaultAuthentication = httptransport.BasicAuth(apiKey, "")

	client := octopus.New(transport, strfmt.Default)
	return &OctopusService{
		Client: client,
	}
}

// ConsumptionRecord is one daily consumption bucket from a gas meter.
type ConsumptionRecord struct {
	IntervalStart time.Time
	IntervalEnd   time.Time
	Consumption   float64
}

// FetchRates fetches standard unit rates for the product identified by
// shortCode (product) and longCode (tariff) over [from, to), paginating
// transparently. Records come back sorted by ValidFrom with open-ended
// validity clamped to the requested window.
func (s *OctopusService) FetchRates(shortCode, longCode string, fuel Fuel, from, to time.Time) (TariffWindow, error) {
	if !from.Before(to) {
		return TariffWindow{}, &ValidationError{
			Interval: fmt.Sprintf("%s/%s", from.Format(time.RFC3339), to.Format(time.RFC3339)),
			Message:  "fetch window start must precede its end",
		}
	}

	var records []RateRecord
	appendRates := func(validFrom, validTo *strfmt.DateTime, valueIncVat float64) {
		rec := RateRecord{
			ValidFrom: from,
			ValidTo:   to,
			UnitPrice: normalisePrice(decimal.NewFromFloat(valueIncVat)),
			Currency:  "GBP",
		}
		if validFrom != nil {
			rec.ValidFrom = time.Time(*validFrom)
		}
		if validTo != nil {
			rec.ValidTo = time.Time(*validTo)
		} else if rec.ValidFrom.After(to) {
			// Future-dated open rate outside the window; drop below.
			rec.ValidTo = rec.ValidFrom
		}
		if rec.ValidFrom.Before(rec.ValidTo) {
			records = append(records, rec)
		}
	}

	pageSize := tariffPageSize
	page := int64(1)

	switch fuel {
	case FuelElectricity:
		params := products.NewListElectricityTariffStandardUnitRatesParams().
			WithProductCode(shortCode).
			WithTariffCode(longCode).
			WithPeriodFrom((*strfmt.DateTime)(&from)).
			WithPeriodTo((*strfmt.DateTime)(&to)).
			WithPageSize(&pageSize)

		for {
			params.WithPage(&page)
			response, err := s.Client.Products.ListElectricityTariffStandardUnitRates(params, nil)
			if err != nil {
				return TariffWindow{}, wrapOctopusError("fetch electricity tariffs", err)
			}

			for _, rate := range response.Payload.Results {
				appendRates(rate.ValidFrom, rate.ValidTo, rate.ValueIncVat)
			}

			if response.Payload.Next == nil {
				break
			}
			page++
		}

	case FuelGas:
		params := products.NewListGasTariffStandardUnitRatesParams().
			WithProductCode(shortCode).
			WithTariffCode(longCode).
			WithPeriodFrom((*strfmt.DateTime)(&from)).
			WithPeriodTo((*strfmt.DateTime)(&to)).
			WithPageSize(&pageSize)

		for {
			params.WithPage(&page)
			response, err := s.Client.Products.ListGasTariffStandardUnitRates(params, nil)
			if err != nil {
				return TariffWindow{}, wrapOctopusError("fetch gas tariffs", err)
			}

			for _, rate := range response.Payload.Results {
				appendRates(rate.ValidFrom, rate.ValidTo, rate.ValueIncVat)
			}

			if response.Payload.Next == nil {
				break
			}
			page++
		}

	default:
		return TariffWindow{}, &ValidationError{Message: fmt.Sprintf("unknown fuel %q", fuel)}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ValidFrom.Before(records[j].ValidFrom)
	})

	window := TariffWindow{TariffCode: longCode, Records: records}
	if err := window.Validate(); err != nil {
		return TariffWindow{}, err
	}
	return window, nil
}

// FetchDailyConsumption fetches day-grouped gas consumption for the given
// meter point over [from, to), in period order with pagination.
func (s *OctopusService) FetchDailyConsumption(mprn, serialNumber string, from, to time.Time) ([]ConsumptionRecord, error) {
	groupBy := "day"
	orderBy := "period"
	pageSize := int64(336)
	page := int64(1)

	params := gas_meter_points.NewListConsumptionForaGasMeterParams().
		WithMprn(mprn).
		WithSerialNumber(serialNumber).
		WithPeriodFrom((*strfmt.DateTime)(&from)).
		WithPeriodTo((*strfmt.DateTime)(&to)).
		WithGroupBy(&groupBy).
		WithOrderBy(&orderBy).
		WithPageSize(&pageSize)

	var consumption []ConsumptionRecord
	for {
		params.WithPage(&page)
		response, err := s.Client.GasMeterPoints.ListConsumptionForaGasMeter(params, nil)
		if err != nil {
			return nil, wrapOctopusError("fetch gas consumption", err)
		}

		for _, r := range response.Payload.Results {
			rec := ConsumptionRecord{Consumption: r.Consumption}
			if r.IntervalStart != nil {
				rec.IntervalStart = time.Time(*r.IntervalStart)
			}
			if r.IntervalEnd != nil {
				rec.IntervalEnd = time.Time(*r.IntervalEnd)
			}
			consumption = append(consumption, rec)
		}

		if response.Payload.Next == nil {
			break
		}
		page++
	}

	return consumption, nil
}

// wrapOctopusError classifies a swagger client error into the run taxonomy.
// Retries have already happened underneath in the transport, so anything
// surfacing here is terminal for the operation.
func wrapOctopusError(op string, err error) error {
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return &AuthError{Service: "octopus", Message: fmt.Sprintf("%s rejected (HTTP %d)", op, apiErr.Code), Err: err}
		}
		return &UpstreamError{Service: "octopus", StatusCode: apiErr.Code, Attempts: retryMaxAttempts, Err: fmt.Errorf("failed to %s: %w", op, err)}
	}
	return &UpstreamError{Service: "octopus", Attempts: retryMaxAttempts, Err: fmt.Errorf("failed to %s: %w", op, err)}
}
