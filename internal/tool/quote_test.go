package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tickerchat/tickerchat/internal/log"
)

func TestQuoteExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/v1/quote" {
			t.Errorf("request path = %s, want /v1/quote", got)
		}
		if got := r.URL.Query().Get("symbol"); got != "AAPL" {
			t.Errorf("symbol query = %s, want AAPL", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"symbol":    "AAPL",
			"price":     187.42,
			"currency":  "USD",
			"timestamp": "2025-06-01T14:30:00Z",
		})
	}))
	defer srv.Close()

	q := NewQuote(QuoteConfig{BaseURL: srv.URL}, log.NewNop())

	// Lowercase symbol is normalized before hitting the upstream.
	raw, err := q.Execute(context.Background(), json.RawMessage(`{"symbol":"aapl"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var got quoteResult
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.Symbol != "AAPL" || got.Price != 187.42 || got.Currency != "USD" {
		t.Errorf("Execute() = %+v, want AAPL at 187.42 USD", got)
	}
	if got.AsOf != "2025-06-01T14:30:00Z" {
		t.Errorf("Execute() as_of = %s, want upstream timestamp", got.AsOf)
	}
}

func TestQuoteExecuteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "symbol not found", http.StatusNotFound)
	}))
	defer srv.Close()

	q := NewQuote(QuoteConfig{BaseURL: srv.URL}, log.NewNop())

	tests := []struct {
		name string
		args string
	}{
		{name: "empty symbol", args: `{"symbol":"  "}`},
		{name: "upstream error status", args: `{"symbol":"NOPE"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Execute(context.Background(), json.RawMessage(tt.args)); err == nil {
				t.Error("Execute() error = nil, want error")
			}
		})
	}
}
