package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockRoundTripper is a mock implementation of http.RoundTripper.
type MockRoundTripper struct {
	Handler func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// recordedRequest keeps the parts of a request that tests assert on.
type recordedRequest struct {
	Method string
	URL    string
	Body   string
}

type octoRate struct {
	ValueExcVat float64 `json:"value_exc_vat"`
	ValueIncVat float64 `json:"value_inc_vat"`
	ValidFrom   string  `json:"valid_from"`
	ValidTo     string  `json:"valid_to,omitempty"`
}

type octoConsumption struct {
	Consumption   float64 `json:"consumption"`
	IntervalStart string  `json:"interval_start"`
	IntervalEnd   string  `json:"interval_end"`
}

// fakeBackend serves canned Tado and Octopus APIs from one RoundTripper,
// dispatching on host. Tariffs created through it are served back on
// subsequent reads, which is what the idempotence and backfill tests rely on.
type fakeBackend struct {
	t *testing.T

	mu      sync.Mutex
	tariffs []eiqTariff
	nextID  int

	rates       []octoRate
	consumption []octoConsumption

	rateCalls  int
	failRateOn int // fail the Nth rates call with HTTP 400; 0 disables

	readingDates map[string]bool
	requests     []recordedRequest
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{t: t, readingDates: map[string]bool{}}
}

func (b *fakeBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var body string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		body = string(data)
	}
	b.requests = append(b.requests, recordedRequest{Method: req.Method, URL: req.URL.String(), Body: body})

	switch req.URL.Host {
	case "auth.tado.com":
		return jsonResponse(http.StatusOK,
			`{"access_token":"test-token","token_type":"bearer","expires_in":3600,"refresh_token":"refresh"}`), nil
	case "my.tado.com":
		if req.URL.Path == "/api/v2/me" {
			return jsonResponse(http.StatusOK, `{"homes":[{"id":123,"name":"Test Home"}]}`), nil
		}
	case "energy-insights.tado.com":
		return b.handleEnergyIQ(req, body)
	case "api.octopus.energy":
		return b.handleOctopus(req)
	}
	return jsonResponse(http.StatusNotFound, `{"error":"no route"}`), nil
}

func (b *fakeBackend) handleEnergyIQ(req *http.Request, body string) (*http.Response, error) {
	switch {
	case req.Method == http.MethodGet && strings.HasSuffix(req.URL.Path, "/tariffs"):
		data, err := json.Marshal(b.tariffs)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, string(data)), nil

	case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/tariffs"):
		var tariff eiqTariff
		if err := json.Unmarshal([]byte(body), &tariff); err != nil {
			return jsonResponse(http.StatusBadRequest, `{"error":"bad tariff"}`), nil
		}
		b.nextID++
		tariff.ID = fmt.Sprintf("tariff-%d", b.nextID)
		b.tariffs = append(b.tariffs, tariff)
		return jsonResponse(http.StatusOK, `{}`), nil

	case req.Method == http.MethodPut && strings.Contains(req.URL.Path, "/tariffs/"):
		id := path.Base(req.URL.Path)
		for i := range b.tariffs {
			if b.tariffs[i].ID == id {
				var tariff eiqTariff
				if err := json.Unmarshal([]byte(body), &tariff); err != nil {
					return jsonResponse(http.StatusBadRequest, `{"error":"bad tariff"}`), nil
				}
				tariff.ID = id
				b.tariffs[i] = tariff
				return jsonResponse(http.StatusOK, `{}`), nil
			}
		}
		return jsonResponse(http.StatusNotFound, `{"error":"no such tariff"}`), nil

	case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/meterReadings"):
		var reading struct {
			Date string `json:"date"`
		}
		if err := json.Unmarshal([]byte(body), &reading); err != nil {
			return jsonResponse(http.StatusBadRequest, `{"error":"bad reading"}`), nil
		}
		if b.readingDates[reading.Date] {
			return jsonResponse(http.StatusConflict, `{"error":"duplicated meter reading"}`), nil
		}
		b.readingDates[reading.Date] = true
		return jsonResponse(http.StatusOK, `{}`), nil
	}
	return jsonResponse(http.StatusNotFound, `{"error":"no route"}`), nil
}

func (b *fakeBackend) handleOctopus(req *http.Request) (*http.Response, error) {
	switch {
	case strings.Contains(req.URL.Path, "standard-unit-rates"):
		b.rateCalls++
		if b.failRateOn != 0 && b.rateCalls == b.failRateOn {
			return jsonResponse(http.StatusBadRequest, `{"detail":"synthetic failure"}`), nil
		}

		from, to := queryWindow(req)
		var results []octoRate
		for _, r := range b.rates {
			validFrom, err := time.Parse(time.RFC3339, r.ValidFrom)
			if err != nil {
				b.t.Fatalf("bad canned valid_from %q: %v", r.ValidFrom, err)
			}
			if !to.IsZero() && !validFrom.Before(to) {
				continue
			}
			if r.ValidTo != "" && !from.IsZero() {
				validTo, err := time.Parse(time.RFC3339, r.ValidTo)
				if err != nil {
					b.t.Fatalf("bad canned valid_to %q: %v", r.ValidTo, err)
				}
				if !validTo.After(from) {
					continue
				}
			}
			results = append(results, r)
		}
		return jsonResponse(http.StatusOK, octopusEnvelope(results)), nil

	case strings.Contains(req.URL.Path, "consumption"):
		return jsonResponse(http.StatusOK, octopusEnvelope(b.consumption)), nil
	}
	return jsonResponse(http.StatusNotFound, `{"detail":"no route"}`), nil
}

func queryWindow(req *http.Request) (time.Time, time.Time) {
	parse := func(name string) time.Time {
		v := req.URL.Query().Get(name)
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	return parse("period_from"), parse("period_to")
}

func octopusEnvelope[T any](results []T) string {
	envelope := struct {
		Count    int     `json:"count"`
		Next     *string `json:"next"`
		Previous *string `json:"previous"`
		Results  []T     `json:"results"`
	}{Count: len(results), Results: results}
	if envelope.Results == nil {
		envelope.Results = []T{}
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// requestsMatching returns the recorded requests whose method matches and
// whose URL contains the given fragment.
func (b *fakeBackend) requestsMatching(method, fragment string) []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []recordedRequest
	for _, r := range b.requests {
		if r.Method == method && strings.Contains(r.URL, fragment) {
			out = append(out, r)
		}
	}
	return out
}
