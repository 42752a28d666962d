package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

// DefaultBaseURL is the unauthenticated index provider's chart endpoint.
const DefaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// ChartClient fetches index quotes from the chart API. No credential is
// needed; index symbols (^GSPC etc.) are routed here exclusively.
type ChartClient struct {
	baseURL string
	http    *http.Client
}

func NewChartClient(baseURL string, httpClient *http.Client) *ChartClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ChartClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"previousClose"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote fetches the regular market price and previous close for one
// symbol. previousClose falls back to chartPreviousClose, which is what
// the API populates for many indexes.
func (c *ChartClient) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.AbsentQuote, err
	}
	// The chart API rejects requests without a browser-ish agent.
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AbsentQuote, fmt.Errorf("chart %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.AbsentQuote, port.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AbsentQuote, fmt.Errorf("chart %s: status %d", symbol, resp.StatusCode)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.AbsentQuote, fmt.Errorf("chart %s: decode: %w", symbol, err)
	}
	if body.Chart.Error != nil {
		return domain.AbsentQuote, fmt.Errorf("chart %s: %s", symbol, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 {
		return domain.AbsentQuote, fmt.Errorf("chart %s: empty result", symbol)
	}

	meta := body.Chart.Result[0].Meta
	prevClose := meta.PreviousClose
	if prevClose == 0 {
		prevClose = meta.ChartPreviousClose
	}
	return domain.NewQuote(meta.RegularMarketPrice, prevClose), nil
}

var _ port.IndexQuoteClient = (*ChartClient)(nil)
