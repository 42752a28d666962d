package finnhub

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

// DefaultBaseURL is the keyed provider's REST endpoint.
const DefaultBaseURL = "https://finnhub.io/api/v1"

// RestClient fetches single quotes from the keyed provider.
type RestClient struct {
	baseURL string
	http    *http.Client
}

func NewRestClient(baseURL string, httpClient *http.Client) *RestClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RestClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type quoteResponse struct {
	Current   float64 `json:"c"`
	PrevClose float64 `json:"pc"`
	Error     string  `json:"error"`
}

// Quote fetches current price and previous close for one symbol.
// HTTP 429 is reported as port.ErrRateLimited so the fetcher can
// escalate backoff; other failures are plain errors. Zero prices are
// normalized to absent by domain.NewQuote.
func (c *RestClient) Quote(ctx context.Context, symbol, token string) (domain.Quote, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s&token=%s", c.baseURL, url.QueryEscape(symbol), url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.AbsentQuote, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AbsentQuote, fmt.Errorf("quote %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.AbsentQuote, port.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AbsentQuote, fmt.Errorf("quote %s: status %d", symbol, resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.AbsentQuote, fmt.Errorf("quote %s: decode: %w", symbol, err)
	}
	if body.Error != "" {
		return domain.AbsentQuote, fmt.Errorf("quote %s: %s", symbol, body.Error)
	}

	return domain.NewQuote(body.Current, body.PrevClose), nil
}

var _ port.EquityQuoteClient = (*RestClient)(nil)
