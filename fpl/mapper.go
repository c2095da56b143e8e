package fpl

import (
	"strconv"
	"strings"
)

// Player is a player as presented to the assistant. Prices are in millions.
type Player struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	WebName         string  `json:"web_name"`
	Team            string  `json:"team"`
	Position        string  `json:"position"`
	Price           float64 `json:"current_price"`
	Status          string  `json:"status"`
	TotalPoints     int     `json:"total_points"`
	Form            float64 `json:"form"`
	PointsPerGame   float64 `json:"points_per_game"`
	SelectedBy      float64 `json:"selected_by_percent"`
	Minutes         int     `json:"minutes"`
	Goals           int     `json:"goals_scored"`
	Assists         int     `json:"assists"`
	CleanSheets     int     `json:"clean_sheets"`
	News            string  `json:"news,omitempty"`
	ChanceOfPlaying *int    `json:"chance_of_playing_next_round,omitempty"`
}

// Mappings index bootstrap data by id.
type Mappings struct {
	Players   map[int]Element
	Teams     map[int]RawTeam
	Positions map[int]string
}

// BuildMappings indexes players, teams and positions from bootstrap data.
func BuildMappings(b *Bootstrap) Mappings {
	m := Mappings{
		Players:   map[int]Element{},
		Teams:     map[int]RawTeam{},
		Positions: map[int]string{},
	}
	if b == nil {
		return m
	}
	for _, e := range b.Elements {
		m.Players[e.ID] = e
	}
	for _, t := range b.Teams {
		m.Teams[t.ID] = t
	}
	for _, p := range b.ElementTypes {
		m.Positions[p.ID] = p.SingularNameShort
	}
	return m
}

// TeamName returns the full team name or "Unknown".
func (m Mappings) TeamName(id int) string {
	if t, ok := m.Teams[id]; ok {
		return t.Name
	}
	return "Unknown"
}

// Player maps a player id. ok is false for unknown ids.
func (m Mappings) Player(id int) (Player, bool) {
	e, ok := m.Players[id]
	if !ok {
		return Player{}, false
	}
	return m.mapElement(e), true
}

func (m Mappings) mapElement(e Element) Player {
	position, ok := m.Positions[e.ElementType]
	if !ok {
		position = "Unknown"
	}
	return Player{
		ID:              e.ID,
		Name:            strings.TrimSpace(e.FirstName + " " + e.SecondName),
		WebName:         e.WebName,
		Team:            m.TeamName(e.Team),
		Position:        position,
		Price:           Price(e.NowCost),
		Status:          e.Status,
		TotalPoints:     e.TotalPoints,
		Form:            parseFloat(e.Form),
		PointsPerGame:   parseFloat(e.PointsPerGame),
		SelectedBy:      parseFloat(e.SelectedByPercent),
		Minutes:         e.Minutes,
		Goals:           e.GoalsScored,
		Assists:         e.Assists,
		CleanSheets:     e.CleanSheets,
		News:            e.News,
		ChanceOfPlaying: e.ChanceOfPlayingNextRound,
	}
}

// Price converts an API cost in tenths of a million to millions.
func Price(tenths int) float64 {
	return float64(tenths) / 10
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
