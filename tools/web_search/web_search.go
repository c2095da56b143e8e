package web_search

import (
	"context"
	"net/http"

	"github.com/mohammad-safakhou/gaffer/tools/web_search/brave"
	"github.com/mohammad-safakhou/gaffer/tools/web_search/models"
	"github.com/mohammad-safakhou/gaffer/tools/web_search/serper"
	"github.com/mohammad-safakhou/gaffer/tools/web_search/tavily"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
	TavilyProvider Provider = "tavily"
)

type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrUnsupportedProvider = &Error{"unsupported provider"}
	ErrMissingAPIKey       = &Error{"search api key not configured"}
)

type options struct {
	baseURL     string
	client      *http.Client
	searchDepth string
}

type Option func(*options)

// WithBaseURL points the provider at a different endpoint.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithSearchDepth sets the Tavily search depth ("basic" or "advanced").
func WithSearchDepth(d string) Option { return func(o *options) { o.searchDepth = d } }

func NewWebSearcher(provider Provider, apiKey string, opts ...Option) (WebSearcher, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey, BaseURL: o.baseURL, Client: o.client}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey, BaseURL: o.baseURL, Client: o.client}, nil
	case TavilyProvider:
		return tavily.Search{ApiKey: apiKey, BaseURL: o.baseURL, Client: o.client, Topic: "news", SearchDepth: o.searchDepth}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
