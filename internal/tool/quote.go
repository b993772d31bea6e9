package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/log"
)

// DefaultQuoteTTL bounds how stale a served quote may be.
const DefaultQuoteTTL = 60 * time.Second

// quoteArgs are the arguments the model supplies for a quote lookup.
type quoteArgs struct {
	Symbol string `json:"symbol" jsonschema:"Ticker symbol to look up, e.g. AAPL or TSM"`
}

// quoteResult is the payload returned to the model.
type quoteResult struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	AsOf     string  `json:"as_of"`
}

// Quote fetches the latest market price for a ticker symbol from an
// upstream quote service. Results are cacheable for DefaultQuoteTTL unless
// configured otherwise.
type Quote struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration
	logger  log.Logger
}

// QuoteConfig configures the quote tool.
type QuoteConfig struct {
	// BaseURL is the quote service endpoint, e.g. "https://quotes.example.com".
	BaseURL string
	// TTL overrides DefaultQuoteTTL when positive.
	TTL time.Duration
	// Client overrides the default HTTP client.
	Client *http.Client
}

// NewQuote creates the get_quote tool.
func NewQuote(cfg QuoteConfig, logger log.Logger) *Quote {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &Quote{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     ttl,
		logger:  logger,
	}
}

func (q *Quote) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "get_quote",
		Description: "Get the latest market price for a stock ticker symbol.",
		Schema:      mustSchema[quoteArgs](),
	}
}

func (q *Quote) CacheTTL() time.Duration { return q.ttl }

func (q *Quote) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in quoteArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}

	endpoint := q.baseURL + "/v1/quote?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote service returned %s for %s", resp.Status, symbol)
	}

	var body struct {
		Symbol    string  `json:"symbol"`
		Price     float64 `json:"price"`
		Currency  string  `json:"currency"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	if body.Symbol == "" {
		body.Symbol = symbol
	}
	if body.Currency == "" {
		body.Currency = "USD"
	}
	if body.Timestamp == "" {
		body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	q.logger.Debug("quote fetched", "symbol", body.Symbol, "price", body.Price)

	return json.Marshal(quoteResult{
		Symbol:   body.Symbol,
		Price:    body.Price,
		Currency: body.Currency,
		AsOf:     body.Timestamp,
	})
}
