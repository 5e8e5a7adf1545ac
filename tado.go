package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

const (
	tadoTokenURL = "https://auth.tado.com/oauth/token"
	tadoAPIBase  = "https://my.tado.com/api/v2"
	tadoEIQBase  = "https://energy-insights.tado.com/api"

	// Public web-app client, the same one PyTado and the Tado web UI use.
	tadoClientID     = "tado-web-app"
	tadoClientSecret = "wZaRN7rpjn3FoNyF5IFuxg9uMzYJcvOoQ8QWiIqS3hfk6gLhVlG57j5YNoZL2Rtc"
)

// HTTPStatusError is a non-2xx reply from the Tado API.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("tado api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// TadoService talks to the Tado REST and Energy IQ APIs.
type TadoService struct {
	apiBase    string
	eiqBase    string
	httpClient *http.Client
	homeID     *int
}

// NewTadoService authenticates with the resource-owner password grant and
// returns a service whose client refreshes the token transparently.
func NewTadoService(ctx context.Context, rt http.RoundTripper, email, password string) (*TadoService, error) {
	conf := &oauth2.Config{
		ClientID:     tadoClientID,
		ClientSecret: tadoClientSecret,
		Scopes:       []string{"home.user"},
		Endpoint:     oauth2.Endpoint{TokenURL: tadoTokenURL},
	}

	base := &http.Client{Transport: rt, Timeout: 30 * time.Second}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	token, err := conf.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
			return nil, &AuthError{Service: "tado", Message: "invalid email or password", Err: err}
		}
		return nil, &UpstreamError{Service: "tado", Attempts: 1, Err: fmt.Errorf("token request: %w", err)}
	}

	httpClient := conf.Client(ctx, token)
	httpClient.Timeout = 30 * time.Second

	return &TadoService{
		apiBase:    tadoAPIBase,
		eiqBase:    tadoEIQBase,
		httpClient: httpClient,
	}, nil
}

// HomeID resolves and caches the account's home. Exactly one home is
// expected; anything else needs an explicit override and is an error.
func (s *TadoService) HomeID(ctx context.Context) (int, error) {
	if s.homeID != nil {
		return *s.homeID, nil
	}

	var resp struct {
		Homes []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"homes"`
	}

	if err := s.getJSON(ctx, s.apiBase+"/me", &resp); err != nil {
		return 0, err
	}
	if len(resp.Homes) == 0 {
		return 0, &ValidationError{Message: "no homes found on the tado account"}
	}
	if len(resp.Homes) > 1 {
		labels := make([]string, 0, len(resp.Homes))
		for _, home := range resp.Homes {
			labels = append(labels, fmt.Sprintf("%d (%s)", home.ID, home.Name))
		}
		return 0, &ValidationError{Message: fmt.Sprintf("multiple homes found: %s", strings.Join(labels, ", "))}
	}

	s.homeID = &resp.Homes[0].ID
	return *s.homeID, nil
}

// eiqTariff is the Energy IQ wire representation of one tariff period.
// Dates are inclusive whole days.
type eiqTariff struct {
	ID            string  `json:"id,omitempty"`
	TariffInCents float64 `json:"tariffInCents"`
	Unit          string  `json:"unit"`
	StartDate     string  `json:"startDate"`
	EndDate       string  `json:"endDate,omitempty"`
}

// ExistingTariffs reads the tariff periods currently recorded in Energy IQ,
// converted back to half-open intervals sorted by start.
func (s *TadoService) ExistingTariffs(ctx context.Context) (TariffWindow, error) {
	homeID, err := s.HomeID(ctx)
	if err != nil {
		return TariffWindow{}, err
	}

	var resp []eiqTariff
	if err := s.getJSON(ctx, fmt.Sprintf("%s/homes/%d/tariffs", s.eiqBase, homeID), &resp); err != nil {
		return TariffWindow{}, err
	}

	records := make([]RateRecord, 0, len(resp))
	for _, t := range resp {
		validFrom, err := time.ParseInLocation("2006-01-02", t.StartDate, time.UTC)
		if err != nil {
			return TariffWindow{}, &ValidationError{Interval: t.StartDate, Message: "unparseable tariff start date from tado"}
		}
		// Inclusive end date back to a half-open interval; a period with no
		// end covers its start day only.
		validTo := validFrom.AddDate(0, 0, 1)
		if t.EndDate != "" {
			end, err := time.ParseInLocation("2006-01-02", t.EndDate, time.UTC)
			if err != nil {
				return TariffWindow{}, &ValidationError{Interval: t.EndDate, Message: "unparseable tariff end date from tado"}
			}
			validTo = end.AddDate(0, 0, 1)
		}
		records = append(records, RateRecord{
			ValidFrom: validFrom,
			ValidTo:   validTo,
			UnitPrice: normalisePrice(decimal.NewFromFloat(t.TariffInCents)),
			Currency:  "GBP",
			TadoID:    t.ID,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ValidFrom.Before(records[j].ValidFrom)
	})

	return TariffWindow{Records: records}, nil
}

// ApplyResult summarises one ApplyRates call.
type ApplyResult struct {
	Created int
	Updated int
}

// ApplyRates writes the given rate records to Energy IQ. Records are widened
// to whole UTC days first, since that is the granularity Tado stores. Records
// carrying a TadoID update the existing period in place; the rest create new
// periods. Applying the same window twice therefore produces no duplicate
// entries.
func (s *TadoService) ApplyRates(ctx context.Context, window TariffWindow) (ApplyResult, error) {
	var result ApplyResult

	if err := window.Validate(); err != nil {
		return result, err
	}
	window = dayAligned(window)

	homeID, err := s.HomeID(ctx)
	if err != nil {
		return result, err
	}

	for _, rec := range window.Records {
		startDay := rec.ValidFrom.UTC()
		// Half-open ValidTo to Tado's inclusive end date.
		endDay := rec.ValidTo.UTC().AddDate(0, 0, -1)
		if endDay.Before(startDay) {
			return result, &ValidationError{
				Interval: fmt.Sprintf("%s/%s", rec.ValidFrom.Format(time.RFC3339), rec.ValidTo.Format(time.RFC3339)),
				Message:  "tariff period inverts its day range",
			}
		}

		payload := eiqTariff{
			TariffInCents: rec.UnitPrice.InexactFloat64(),
			Unit:          "kWh",
			StartDate:     startDay.Format("2006-01-02"),
			EndDate:       endDay.Format("2006-01-02"),
		}

		if rec.TadoID != "" {
			url := fmt.Sprintf("%s/homes/%d/tariffs/%s", s.eiqBase, homeID, rec.TadoID)
			if err := s.writeJSON(ctx, http.MethodPut, url, payload); err != nil {
				return result, err
			}
			result.Updated++
		} else {
			url := fmt.Sprintf("%s/homes/%d/tariffs", s.eiqBase, homeID)
			if err := s.writeJSON(ctx, http.MethodPost, url, payload); err != nil {
				return result, err
			}
			result.Created++
		}
		log.Printf("Applied rate %s for %s to %s", rec.UnitPrice.String(), payload.StartDate, payload.EndDate)
	}

	return result, nil
}

// dayAligned widens records to whole UTC days, the granularity Energy IQ
// stores tariffs at. The rate in effect at the start of a day wins the day;
// a record beginning mid-day applies from its day boundary. Contiguous days
// with equal price and period ID merge back into one record.
func dayAligned(window TariffWindow) TariffWindow {
	if len(window.Records) == 0 {
		return window
	}

	start := truncateToMidnight(window.Records[0].ValidFrom.UTC())
	_, spanEnd := window.Span()
	end := ceilToMidnight(spanEnd.UTC())

	var out []RateRecord
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)

		r := findRate(window.Records, day)
		if r == nil {
			// No rate at the day boundary; the first rate starting inside
			// the day takes it over.
			for i := range window.Records {
				if window.Records[i].ValidFrom.Before(next) && window.Records[i].ValidTo.After(day) {
					r = &window.Records[i]
					break
				}
			}
		}
		if r == nil {
			continue
		}

		cell := RateRecord{
			ValidFrom: day,
			ValidTo:   next,
			UnitPrice: r.UnitPrice,
			Currency:  r.Currency,
			Stale:     r.Stale,
			TadoID:    r.TadoID,
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.ValidTo.Equal(cell.ValidFrom) &&
				last.TadoID == cell.TadoID &&
				last.Stale == cell.Stale &&
				last.Currency == cell.Currency &&
				priceEqual(last.UnitPrice, cell.UnitPrice) {
				last.ValidTo = cell.ValidTo
				continue
			}
		}
		out = append(out, cell)
	}

	return TariffWindow{TariffCode: window.TariffCode, Records: out}
}

func ceilToMidnight(t time.Time) time.Time {
	midnight := truncateToMidnight(t)
	if midnight.Equal(t) {
		return t
	}
	return midnight.AddDate(0, 0, 1)
}

// SendMeterReading records a cumulative meter reading in Energy IQ.
// A reading already present for the date is not an error.
func (s *TadoService) SendMeterReading(ctx context.Context, date time.Time, reading int64) error {
	homeID, err := s.HomeID(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"date":    date.UTC().Format("2006-01-02"),
		"reading": reading,
	}

	err = s.writeJSON(ctx, http.MethodPost, fmt.Sprintf("%s/homes/%d/meterReadings", s.eiqBase, homeID), payload)
	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusConflict {
		log.Printf("Reading for %s already recorded, skipping", date.Format("2006-01-02"))
		return nil
	}
	return err
}

func (s *TadoService) getJSON(ctx context.Context, url string, out any) error {
	resp, err := s.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *TadoService) writeJSON(ctx context.Context, method, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.doRequest(ctx, method, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *TadoService) doRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: "tado", Attempts: retryMaxAttempts, Err: err}
	}

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &AuthError{Service: "tado", Message: fmt.Sprintf("request rejected (HTTP %d)", resp.StatusCode)}
		case retryableStatus(resp.StatusCode):
			return nil, &UpstreamError{
				Service:    "tado",
				StatusCode: resp.StatusCode,
				Attempts:   retryMaxAttempts,
				Err:        HTTPStatusError{Status: resp.StatusCode, Body: string(data)},
			}
		default:
			return nil, HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
		}
	}

	return resp, nil
}
