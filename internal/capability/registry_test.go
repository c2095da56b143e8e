package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playerTool() Func {
	return Func{
		ToolName: "get_player_data_tool",
		Desc:     "Look up price, team and status for named players.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"player_names": map[string]interface{}{
					"type":     "array",
					"items":    map[string]interface{}{"type": "string"},
					"minItems": 1,
				},
			},
			"required":             []string{"player_names"},
			"additionalProperties": false,
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	}
}

func positionTool() Func {
	return Func{
		ToolName: "get_players_by_position_tool",
		Desc:     "List players for a position under a price.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"position":  map[string]interface{}{"type": "string", "enum": []string{"GKP", "DEF", "MID", "FWD"}},
				"max_price": map[string]interface{}{"type": "number", "default": 15.0},
			},
			"required": []string{"position"},
		},
	}
}

func TestNewRegistryKeepsDeclarationOrder(t *testing.T) {
	reg, err := NewRegistry([]Tool{playerTool(), positionTool()})
	require.NoError(t, err)

	cards := reg.List()
	require.Len(t, cards, 2)
	assert.Equal(t, "get_player_data_tool", cards[0].Name)
	assert.Equal(t, "get_players_by_position_tool", cards[1].Name)
	assert.NotEmpty(t, cards[0].Checksum)
	assert.Equal(t, []string{"get_player_data_tool", "get_players_by_position_tool"}, reg.Names())
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Tool{playerTool(), playerTool()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestNewRegistryEnforcesRequiredTools(t *testing.T) {
	_, err := NewRegistry([]Tool{playerTool()}, "news_search_tool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestNewRegistryRejectsBrokenSchema(t *testing.T) {
	broken := playerTool()
	broken.Schema = map[string]interface{}{"type": 12}
	_, err := NewRegistry([]Tool{broken})
	require.Error(t, err)
}

func TestResolveUnknownTool(t *testing.T) {
	reg, err := NewRegistry([]Tool{playerTool()})
	require.NoError(t, err)

	_, err = reg.Resolve("missing_tool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))

	tool, err := reg.Resolve("get_player_data_tool")
	require.NoError(t, err)
	assert.Equal(t, "get_player_data_tool", tool.Name())
	assert.True(t, reg.Has("get_player_data_tool"))
	assert.False(t, reg.Has("missing_tool"))
}

func TestValidateArguments(t *testing.T) {
	reg, err := NewRegistry([]Tool{playerTool(), positionTool()})
	require.NoError(t, err)

	cases := []struct {
		name    string
		tool    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"valid list", "get_player_data_tool", map[string]interface{}{"player_names": []string{"Salah"}}, false},
		{"missing required", "get_player_data_tool", map[string]interface{}{}, true},
		{"empty list", "get_player_data_tool", map[string]interface{}{"player_names": []string{}}, true},
		{"extra property", "get_player_data_tool", map[string]interface{}{"player_names": []string{"Salah"}, "x": 1}, true},
		{"enum ok with int price", "get_players_by_position_tool", map[string]interface{}{"position": "MID", "max_price": 8}, false},
		{"enum mismatch", "get_players_by_position_tool", map[string]interface{}{"position": "GK"}, true},
		{"unknown tool", "nope", map[string]interface{}{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Validate(tc.tool, tc.args)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateNormalisesNumbers(t *testing.T) {
	reg, err := NewRegistry([]Tool{positionTool()})
	require.NoError(t, err)

	args, err := reg.Validate("get_players_by_position_tool", map[string]interface{}{"position": "DEF", "max_price": 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, args["max_price"])
}

func TestMenuIsDerivedFromRegistry(t *testing.T) {
	reg, err := NewRegistry([]Tool{playerTool(), positionTool()})
	require.NoError(t, err)

	menu := reg.Menu()
	lines := strings.Split(menu, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "- get_player_data_tool(player_names: array<string>): Look up price, team and status for named players.", lines[0])
	assert.Equal(t, "- get_players_by_position_tool(position: GKP|DEF|MID|FWD, max_price?: number = 15): List players for a position under a price.", lines[1])

	other, err := NewRegistry([]Tool{playerTool()})
	require.NoError(t, err)
	assert.NotEqual(t, reg.Checksum(), other.Checksum())
}
