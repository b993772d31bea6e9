package tool

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/log"
)

const (
	defaultArxivBaseURL = "http://export.arxiv.org/api/query"

	// DefaultPaperTTL caches search results; arXiv updates daily.
	DefaultPaperTTL = 10 * time.Minute

	maxPaperResults = 20
)

type paperSearchArgs struct {
	Query      string `json:"query" jsonschema:"Free-text search query, e.g. 'transformer attention'"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"Maximum papers to return (1-20, default 5)"`
}

type paper struct {
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Summary   string   `json:"summary"`
	Published string   `json:"published"`
	URL       string   `json:"url"`
}

type paperSearchResult struct {
	Query  string  `json:"query"`
	Papers []paper `json:"papers"`
}

// atomFeed mirrors the subset of the arXiv Atom response we consume.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	ID        string       `xml:"id"`
	Authors   []atomAuthor `xml:"author"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

// PaperSearch queries the arXiv Atom API for recent papers matching a
// free-text query.
type PaperSearch struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration
	logger  log.Logger
}

// PaperSearchConfig configures the search_papers tool.
type PaperSearchConfig struct {
	// BaseURL overrides the public arXiv API endpoint.
	BaseURL string
	// TTL overrides DefaultPaperTTL when positive.
	TTL time.Duration
	// Client overrides the default HTTP client.
	Client *http.Client
}

// NewPaperSearch creates the search_papers tool.
func NewPaperSearch(cfg PaperSearchConfig, logger log.Logger) *PaperSearch {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultArxivBaseURL
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultPaperTTL
	}
	return &PaperSearch{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		logger:  logger,
	}
}

func (p *PaperSearch) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "search_papers",
		Description: "Search arXiv for academic papers matching a query. Returns titles, authors, abstracts, and links, newest first.",
		Schema:      mustSchema[paperSearchArgs](),
	}
}

func (p *PaperSearch) CacheTTL() time.Duration { return p.ttl }

func (p *PaperSearch) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in paperSearchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = 5
	}
	if limit > maxPaperResults {
		limit = maxPaperResults
	}

	params := url.Values{
		"search_query": {"all:" + query},
		"start":        {"0"},
		"max_results":  {strconv.Itoa(limit)},
		"sortBy":       {"submittedDate"},
		"sortOrder":    {"descending"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search papers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	papers := make([]paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		authors := make([]string, 0, len(e.Authors))
		for _, a := range e.Authors {
			authors = append(authors, strings.TrimSpace(a.Name))
		}
		papers = append(papers, paper{
			Title:     collapseWhitespace(e.Title),
			Authors:   authors,
			Summary:   collapseWhitespace(e.Summary),
			Published: strings.TrimSpace(e.Published),
			URL:       strings.TrimSpace(e.ID),
		})
	}

	p.logger.Debug("paper search done", "query", query, "results", len(papers))

	return json.Marshal(paperSearchResult{Query: query, Papers: papers})
}

// collapseWhitespace normalizes the newline-wrapped text arXiv returns.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
