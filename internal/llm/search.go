package llm

import "context"

// SearchQuery is one web search request.
type SearchQuery struct {
	Query   string
	Headers map[string]string
	Scope   string
}

// SearchResult is one hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SearchResponse carries provider attribution alongside the hits. An empty
// Results slice means no usable data, not an error.
type SearchResponse struct {
	SearchURL string
	Provider  string
	Results   []SearchResult
}

// Searcher is the web-search collaborator interface.
type Searcher interface {
	Search(ctx context.Context, q SearchQuery) (*SearchResponse, error)
}
