// Package catalog declares the tools the assistant can call. The declaration
// list here is the only place a tool's name, schema and description live; the
// registry derives the analysis prompt's tool menu from it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/gaffer/fpl"
	"github.com/mohammad-safakhou/gaffer/internal/capability"
	"github.com/mohammad-safakhou/gaffer/internal/helpers"
	"github.com/mohammad-safakhou/gaffer/tools/web_search"
	"github.com/mohammad-safakhou/gaffer/tools/web_search/models"
)

const (
	UserTeamInfo       = "get_user_team_info_tool"
	PlayerData         = "get_player_data_tool"
	PlayersByPosition  = "get_players_by_position_tool"
	Fixtures           = "get_fixtures_tool"
	NewsSearch         = "news_search_tool"
	defaultMaxPrice    = 15.0
	defaultGameweeks   = 3
	defaultNewsResults = 3
)

// Names lists every tool in declaration order.
var Names = []string{UserTeamInfo, PlayerData, PlayersByPosition, Fixtures, NewsSearch}

// ErrNewsDisabled is returned by the news tool when no search provider is configured.
var ErrNewsDisabled = errors.New("news search is not configured")

// FPLData is the data collaborator behind the FPL tools.
type FPLData interface {
	Team(ctx context.Context, managerID, gameweek int) (*fpl.TeamInfo, error)
	Players(ctx context.Context, names []string) (fpl.PlayerLookup, error)
	PlayersByPosition(ctx context.Context, position string, maxPrice float64, limit int) ([]fpl.Player, error)
	Fixtures(ctx context.Context, team string, count int) ([]fpl.FixtureInfo, error)
}

// Config tunes tool behaviour.
type Config struct {
	NewsResults     int
	NewsRecencyDays int
	NewsSites       []string
	PositionLimit   int
}

// Tools returns the static declaration list. news may be nil.
func Tools(data FPLData, news web_search.WebSearcher, cfg Config) []capability.Tool {
	if cfg.NewsResults <= 0 {
		cfg.NewsResults = defaultNewsResults
	}
	return []capability.Tool{
		capability.Func{
			ToolName: UserTeamInfo,
			Desc:     "Get the user's FPL squad for a gameweek: starting XI, bench, captain, chip, points, rank, squad value, money in the bank and transfers.",
			Schema: object(map[string]interface{}{
				"manager_id": map[string]interface{}{"type": "integer", "minimum": 1, "description": "FPL manager id"},
				"gameweek":   map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 38, "description": "gameweek number"},
			}, "manager_id", "gameweek"),
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return data.Team(ctx, intArg(args, "manager_id", 0), intArg(args, "gameweek", 0))
			},
		},
		capability.Func{
			ToolName: PlayerData,
			Desc:     "Look up players by name: price, team, position, availability status, form, total points and injury news.",
			Schema: object(map[string]interface{}{
				"player_names": map[string]interface{}{
					"type":     "array",
					"items":    map[string]interface{}{"type": "string", "minLength": 1},
					"minItems": 1,
					"maxItems": 10,
				},
			}, "player_names"),
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return data.Players(ctx, stringsArg(args, "player_names"))
			},
		},
		capability.Func{
			ToolName: PlayersByPosition,
			Desc:     "List the best players for a position under a maximum price (in millions), ranked by total points.",
			Schema: object(map[string]interface{}{
				"position":  map[string]interface{}{"type": "string", "enum": []string{"GKP", "DEF", "MID", "FWD"}},
				"max_price": map[string]interface{}{"type": "number", "minimum": 3.5, "default": defaultMaxPrice},
			}, "position"),
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return data.PlayersByPosition(ctx, stringArg(args, "position"), floatArg(args, "max_price", defaultMaxPrice), cfg.PositionLimit)
			},
		},
		capability.Func{
			ToolName: Fixtures,
			Desc:     "Upcoming Premier League fixtures with difficulty ratings, optionally for one team, over the next few gameweeks.",
			Schema: object(map[string]interface{}{
				"team":      map[string]interface{}{"type": "string", "description": "team name or short name, e.g. Arsenal or ARS"},
				"gameweeks": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10, "default": defaultGameweeks},
			}),
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return data.Fixtures(ctx, stringArg(args, "team"), intArg(args, "gameweeks", defaultGameweeks))
			},
		},
		capability.Func{
			ToolName: NewsSearch,
			Desc:     "Search recent FPL and Premier League news: injuries, team news, press conferences, expert tips.",
			Schema: object(map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "minLength": 2},
			}, "query"),
			Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				if news == nil {
					return nil, ErrNewsDisabled
				}
				q := strings.TrimSpace(stringArg(args, "query"))
				results, err := news.Discover(ctx, q, cfg.NewsResults, cfg.NewsSites, cfg.NewsRecencyDays)
				if err != nil {
					return nil, fmt.Errorf("news search failed: %w", err)
				}
				return map[string]interface{}{"query": q, "articles": dedupe(results)}, nil
			},
		},
	}
}

// NewRegistry builds the registry from the declaration list.
func NewRegistry(data FPLData, news web_search.WebSearcher, cfg Config) (*capability.Registry, error) {
	return capability.NewRegistry(Tools(data, news, cfg), Names...)
}

func dedupe(results []models.Result) []models.Result {
	seen := make(map[string]struct{}, len(results))
	out := make([]models.Result, 0, len(results))
	for _, r := range results {
		key, err := helpers.CanonicalURL(r.URL)
		if err != nil || key == "" {
			key = r.URL
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.Snippet = helpers.SanitizeHTMLStrict(r.Snippet)
		out = append(out, r)
	}
	return out
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func floatArg(args map[string]interface{}, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringsArg(args map[string]interface{}, key string) []string {
	raw, _ := args[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
