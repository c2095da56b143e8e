package fpl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrNoUpcomingGameweek is returned once the season has no next gameweek.
var ErrNoUpcomingGameweek = errors.New("fpl: no upcoming gameweek")

// API is the subset of Client used by DataManager.
type API interface {
	Bootstrap(ctx context.Context) (*Bootstrap, error)
	Fixtures(ctx context.Context) ([]Fixture, error)
	Entry(ctx context.Context, managerID int) (*Entry, error)
	Picks(ctx context.Context, managerID, gameweek int) (*Picks, error)
	History(ctx context.Context, managerID int) (*History, error)
}

// FixtureInfo is a fixture with team names resolved.
type FixtureInfo struct {
	ID             int        `json:"id"`
	Gameweek       int        `json:"gameweek"`
	HomeTeam       string     `json:"home_team"`
	AwayTeam       string     `json:"away_team"`
	KickoffTime    *time.Time `json:"kickoff_time,omitempty"`
	HomeDifficulty int        `json:"home_difficulty"`
	AwayDifficulty int        `json:"away_difficulty"`
}

// GameweekInfo describes the next gameweek.
type GameweekInfo struct {
	Gameweek int           `json:"gameweek"`
	Deadline time.Time     `json:"deadline"`
	Fixtures []FixtureInfo `json:"fixtures"`
}

// PlayerLookup is the result of a name search.
type PlayerLookup struct {
	Players  []Player `json:"players"`
	NotFound []string `json:"not_found,omitempty"`
}

// SquadPlayer is a player in a manager's picks.
type SquadPlayer struct {
	Player
	PositionInTeam int  `json:"position_in_team"`
	Multiplier     int  `json:"multiplier"`
	IsCaptain      bool `json:"is_captain,omitempty"`
	IsViceCaptain  bool `json:"is_vice_captain,omitempty"`
}

// SeasonHistory is a manager's current-season record.
type SeasonHistory struct {
	Gameweeks []EntryHistory `json:"gameweeks"`
	Chips     []ChipUse      `json:"chips_used"`
}

// TeamInfo is a manager's squad for one gameweek. Money values are in millions.
type TeamInfo struct {
	ManagerID     int            `json:"manager_id"`
	Gameweek      int            `json:"gameweek"`
	StartingXI    []SquadPlayer  `json:"starting_xi"`
	Bench         []SquadPlayer  `json:"bench"`
	Captain       *SquadPlayer   `json:"captain"`
	ViceCaptain   *SquadPlayer   `json:"vice_captain"`
	ActiveChip    *string        `json:"active_chip"`
	Points        int            `json:"points"`
	TotalPoints   int            `json:"total_points"`
	Rank          int            `json:"rank"`
	SquadValue    float64        `json:"squad_value"`
	Transfers     int            `json:"transfers"`
	TransfersCost int            `json:"transfers_cost"`
	Bank          float64        `json:"money_itb"`
	History       *SeasonHistory `json:"history,omitempty"`
}

// Profile is a manager's public profile.
type Profile struct {
	ManagerID   int      `json:"manager_id"`
	TeamName    string   `json:"team_name"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Region      string   `json:"region,omitempty"`
	OverallRank int      `json:"overall_rank"`
	TotalPoints int      `json:"total_points"`
	Bank        *float64 `json:"bank,omitempty"`
	TeamValue   *float64 `json:"team_value,omitempty"`
}

// defaultFetchTimeout bounds a shared fetch, which is detached from the
// callers' cancellation.
const defaultFetchTimeout = 30 * time.Second

type cached struct {
	value     interface{}
	fetchedAt time.Time
}

// DataManager answers assistant questions from the FPL API. Bootstrap and
// fixture payloads are cached for ttl; concurrent fetches of the same payload
// are collapsed into one request.
type DataManager struct {
	api    API
	ttl    time.Duration
	logger logrus.FieldLogger
	now    func() time.Time

	fetchTimeout time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cached
}

// NewDataManager creates a DataManager. ttl <= 0 disables caching.
func NewDataManager(api API, ttl time.Duration, logger logrus.FieldLogger) *DataManager {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &DataManager{
		api:    api,
		ttl:    ttl,
		logger: logger.WithField("component", "fpl"),
		now:    time.Now,
		cache:  map[string]cached{},

		fetchTimeout: defaultFetchTimeout,
	}
}

func (d *DataManager) load(ctx context.Context, key string, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	if d.ttl > 0 {
		d.mu.RLock()
		c, ok := d.cache[key]
		d.mu.RUnlock()
		if ok && d.now().Sub(c.fetchedAt) < d.ttl {
			return c.value, nil
		}
	}
	// The shared fetch outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	ch := d.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.fetchTimeout)
		defer cancel()
		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if d.ttl > 0 {
			d.mu.Lock()
			d.cache[key] = cached{value: v, fetchedAt: d.now()}
			d.mu.Unlock()
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			d.logger.WithField("key", key).Debug("shared in-flight fetch")
		}
		return r.Val, r.Err
	}
}

// Bootstrap returns the cached bootstrap payload.
func (d *DataManager) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	v, err := d.load(ctx, "bootstrap", func(ctx context.Context) (interface{}, error) {
		return d.api.Bootstrap(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bootstrap), nil
}

func (d *DataManager) fixtures(ctx context.Context) ([]Fixture, error) {
	v, err := d.load(ctx, "fixtures", func(ctx context.Context) (interface{}, error) {
		return d.api.Fixtures(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Fixture), nil
}

func nextEvent(b *Bootstrap) (Event, bool) {
	for _, e := range b.Events {
		if e.IsNext {
			return e, true
		}
	}
	return Event{}, false
}

// Gameweek returns the next gameweek, its deadline and its fixtures.
func (d *DataManager) Gameweek(ctx context.Context) (GameweekInfo, error) {
	b, err := d.Bootstrap(ctx)
	if err != nil {
		return GameweekInfo{}, err
	}
	next, ok := nextEvent(b)
	if !ok {
		return GameweekInfo{}, ErrNoUpcomingGameweek
	}
	fixtures, err := d.fixtures(ctx)
	if err != nil {
		return GameweekInfo{}, err
	}
	m := BuildMappings(b)
	info := GameweekInfo{Gameweek: next.ID, Deadline: next.DeadlineTime, Fixtures: []FixtureInfo{}}
	for _, f := range fixtures {
		if f.Event != nil && *f.Event == next.ID {
			info.Fixtures = append(info.Fixtures, mapFixture(f, m))
		}
	}
	sortFixtures(info.Fixtures)
	return info, nil
}

// PlayersByPosition lists players of position (GKP, DEF, MID, FWD) costing at
// most maxPrice, best total points first, capped at limit (<= 0 means 20).
func (d *DataManager) PlayersByPosition(ctx context.Context, position string, maxPrice float64, limit int) ([]Player, error) {
	b, err := d.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	position = strings.ToUpper(strings.TrimSpace(position))
	m := BuildMappings(b)
	out := []Player{}
	for _, e := range b.Elements {
		p := m.mapElement(e)
		if p.Position != position || p.Price > maxPrice {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalPoints != out[j].TotalPoints {
			return out[i].TotalPoints > out[j].TotalPoints
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Players finds players by name. A query matches case-insensitively on the
// web name, the full name or a substring of the full name. Names without a
// match are listed in NotFound.
func (d *DataManager) Players(ctx context.Context, names []string) (PlayerLookup, error) {
	b, err := d.Bootstrap(ctx)
	if err != nil {
		return PlayerLookup{}, err
	}
	m := BuildMappings(b)
	res := PlayerLookup{Players: []Player{}}
	seen := map[int]struct{}{}
	for _, raw := range names {
		q := strings.ToLower(strings.TrimSpace(raw))
		if q == "" {
			continue
		}
		var exact, partial []Player
		for _, e := range b.Elements {
			full := strings.ToLower(strings.TrimSpace(e.FirstName + " " + e.SecondName))
			web := strings.ToLower(e.WebName)
			switch {
			case web == q || full == q:
				exact = append(exact, m.mapElement(e))
			case strings.Contains(full, q) || strings.Contains(web, q):
				partial = append(partial, m.mapElement(e))
			}
		}
		matches := exact
		if len(matches) == 0 {
			matches = partial
		}
		if len(matches) == 0 {
			res.NotFound = append(res.NotFound, strings.TrimSpace(raw))
			continue
		}
		for _, p := range matches {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			res.Players = append(res.Players, p)
		}
	}
	return res, nil
}

// Fixtures returns unfinished fixtures of the next gameweeks (count, default
// 3), optionally only those involving team (full or short name).
func (d *DataManager) Fixtures(ctx context.Context, team string, count int) ([]FixtureInfo, error) {
	b, err := d.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	next, ok := nextEvent(b)
	if !ok {
		return nil, ErrNoUpcomingGameweek
	}
	fixtures, err := d.fixtures(ctx)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 3
	}
	m := BuildMappings(b)
	teamID := 0
	if team = strings.ToLower(strings.TrimSpace(team)); team != "" {
		for _, t := range b.Teams {
			if strings.ToLower(t.Name) == team || strings.ToLower(t.ShortName) == team {
				teamID = t.ID
				break
			}
		}
		if teamID == 0 {
			return nil, fmt.Errorf("fpl: unknown team %q", team)
		}
	}
	out := []FixtureInfo{}
	for _, f := range fixtures {
		if f.Finished || f.Event == nil || *f.Event < next.ID || *f.Event >= next.ID+count {
			continue
		}
		if teamID != 0 && f.TeamH != teamID && f.TeamA != teamID {
			continue
		}
		out = append(out, mapFixture(f, m))
	}
	sortFixtures(out)
	return out, nil
}

// Team returns a manager's squad, finances and season history for gameweek.
func (d *DataManager) Team(ctx context.Context, managerID, gameweek int) (*TeamInfo, error) {
	b, err := d.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	picks, err := d.api.Picks(ctx, managerID, gameweek)
	if err != nil {
		return nil, err
	}
	m := BuildMappings(b)
	eh := picks.EntryHistory
	info := &TeamInfo{
		ManagerID:     managerID,
		Gameweek:      gameweek,
		StartingXI:    []SquadPlayer{},
		Bench:         []SquadPlayer{},
		ActiveChip:    picks.ActiveChip,
		Points:        eh.Points,
		TotalPoints:   eh.TotalPoints,
		Rank:          eh.OverallRank,
		SquadValue:    Price(eh.Value),
		Transfers:     eh.EventTransfers,
		TransfersCost: eh.EventTransfersCost,
		Bank:          Price(eh.Bank),
	}
	for _, pick := range picks.Picks {
		p, ok := m.Player(pick.Element)
		if !ok {
			p = Player{ID: pick.Element, Name: "Unknown", Team: "Unknown", Position: "Unknown"}
		}
		sp := SquadPlayer{
			Player:         p,
			PositionInTeam: pick.Position,
			Multiplier:     pick.Multiplier,
			IsCaptain:      pick.IsCaptain,
			IsViceCaptain:  pick.IsViceCaptain,
		}
		if pick.IsCaptain {
			c := sp
			info.Captain = &c
		}
		if pick.IsViceCaptain {
			v := sp
			info.ViceCaptain = &v
		}
		if pick.Position <= 11 {
			info.StartingXI = append(info.StartingXI, sp)
		} else {
			info.Bench = append(info.Bench, sp)
		}
	}

	hist, err := d.api.History(ctx, managerID)
	if err != nil {
		d.logger.WithError(err).WithField("manager_id", managerID).Warn("manager history unavailable")
	} else {
		info.History = &SeasonHistory{Gameweeks: hist.Current, Chips: hist.Chips}
	}
	return info, nil
}

// Profile returns a manager's public profile.
func (d *DataManager) Profile(ctx context.Context, managerID int) (*Profile, error) {
	e, err := d.api.Entry(ctx, managerID)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		ManagerID:   managerID,
		TeamName:    e.Name,
		FirstName:   e.PlayerFirstName,
		LastName:    e.PlayerLastName,
		Region:      e.PlayerRegionName,
		OverallRank: e.SummaryOverallRank,
		TotalPoints: e.SummaryOverallPoints,
	}
	if e.LastDeadlineBank != nil {
		v := Price(*e.LastDeadlineBank)
		p.Bank = &v
	}
	if e.LastDeadlineValue != nil {
		v := Price(*e.LastDeadlineValue)
		p.TeamValue = &v
	}
	return p, nil
}

func mapFixture(f Fixture, m Mappings) FixtureInfo {
	gw := 0
	if f.Event != nil {
		gw = *f.Event
	}
	return FixtureInfo{
		ID:             f.ID,
		Gameweek:       gw,
		HomeTeam:       m.TeamName(f.TeamH),
		AwayTeam:       m.TeamName(f.TeamA),
		KickoffTime:    f.KickoffTime,
		HomeDifficulty: f.TeamHDifficulty,
		AwayDifficulty: f.TeamADifficulty,
	}
}

func sortFixtures(fs []FixtureInfo) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Gameweek != fs[j].Gameweek {
			return fs[i].Gameweek < fs[j].Gameweek
		}
		ki, kj := fs[i].KickoffTime, fs[j].KickoffTime
		switch {
		case ki == nil || kj == nil:
			return kj == nil && ki != nil
		case !ki.Equal(*kj):
			return ki.Before(*kj)
		}
		return fs[i].ID < fs[j].ID
	})
}
