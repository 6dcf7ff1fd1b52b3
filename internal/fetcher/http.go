package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/rates"
)

const basePlaceholder = "{base}"

// HTTPOptions parameterise a JSON rates endpoint.
type HTTPOptions struct {
	Name string
	// URL may contain {base}, replaced with the requested base currency.
	URL string
	// RatesField names the top-level object holding code -> rate.
	RatesField string
	// SuccessField, when set, names a top-level field that must be true or
	// "success" for the response to count.
	SuccessField string
	Timeout      time.Duration
	UserAgent    string
}

// HTTPProvider fetches a rate table from a JSON HTTP API.
type HTTPProvider struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPProvider constructs an HTTP provider.
func NewHTTPProvider(opts HTTPOptions, logger zerolog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.RatesField == "" {
		opts.RatesField = "rates"
	}
	if opts.Name == "" {
		opts.Name = opts.URL
	}
	return &HTTPProvider{
		opts:   opts,
		logger: logger.With().Str("component", "http_provider").Str("provider", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.opts.Name }

// FetchQuotes performs one GET and decodes the rates object.
func (p *HTTPProvider) FetchQuotes(ctx context.Context, base string) (rates.Table, error) {
	if strings.TrimSpace(p.opts.URL) == "" {
		return nil, errors.New("provider url not configured")
	}
	endpoint := strings.ReplaceAll(p.opts.URL, basePlaceholder, rates.NormalizeCode(base))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratepipeline/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(p.opts.Name, resp.StatusCode, payload)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.opts.Name, err)
	}
	if p.opts.SuccessField != "" && !successful(doc[p.opts.SuccessField]) {
		return nil, fmt.Errorf("%s reported failure in %q", p.opts.Name, p.opts.SuccessField)
	}

	raw, ok := doc[p.opts.RatesField]
	if !ok {
		return nil, fmt.Errorf("%s response has no %q field", p.opts.Name, p.opts.RatesField)
	}
	var quotes map[string]float64
	if err := json.Unmarshal(raw, &quotes); err != nil {
		return nil, fmt.Errorf("decode %s rates: %w", p.opts.Name, err)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%s returned an empty rate table", p.opts.Name)
	}

	table := make(rates.Table, len(quotes))
	for code, v := range quotes {
		table[rates.NormalizeCode(code)] = v
	}
	p.logger.Debug().Int("currencies", len(table)).Msg("rates fetched")
	return table, nil
}

func successful(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(s, "success")
	}
	return false
}

type errorResponse struct {
	ErrorType   string `json:"error-type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}

var _ Provider = (*HTTPProvider)(nil)
