package fpl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootstrapJSON = `{
  "events": [
    {"id": 6, "name": "Gameweek 6", "deadline_time": "2026-10-03T17:30:00Z", "is_current": true, "is_next": false, "finished": true},
    {"id": 7, "name": "Gameweek 7", "deadline_time": "2026-10-17T17:30:00Z", "is_current": false, "is_next": true, "finished": false}
  ],
  "teams": [
    {"id": 1, "name": "Arsenal", "short_name": "ARS"},
    {"id": 12, "name": "Liverpool", "short_name": "LIV"},
    {"id": 13, "name": "Man City", "short_name": "MCI"}
  ],
  "element_types": [
    {"id": 1, "singular_name_short": "GKP", "plural_name": "Goalkeepers"},
    {"id": 2, "singular_name_short": "DEF", "plural_name": "Defenders"},
    {"id": 3, "singular_name_short": "MID", "plural_name": "Midfielders"},
    {"id": 4, "singular_name_short": "FWD", "plural_name": "Forwards"}
  ],
  "elements": [
    {"id": 328, "first_name": "Mohamed", "second_name": "Salah", "web_name": "M.Salah", "team": 12, "element_type": 3, "now_cost": 125, "status": "a", "total_points": 60, "form": "8.5", "selected_by_percent": "55.1"},
    {"id": 351, "first_name": "Erling", "second_name": "Haaland", "web_name": "Haaland", "team": 13, "element_type": 4, "now_cost": 145, "status": "a", "total_points": 70, "form": "9.0"},
    {"id": 7, "first_name": "Bukayo", "second_name": "Saka", "web_name": "Saka", "team": 1, "element_type": 3, "now_cost": 100, "status": "d", "total_points": 45, "news": "Knock - 75% chance of playing", "chance_of_playing_next_round": 75},
    {"id": 8, "first_name": "Martin", "second_name": "Ødegaard", "web_name": "Ødegaard", "team": 1, "element_type": 3, "now_cost": 85, "status": "a", "total_points": 45}
  ]
}`

const fixturesJSON = `[
  {"id": 61, "event": 6, "team_h": 12, "team_a": 1, "kickoff_time": "2026-10-04T14:00:00Z", "team_h_difficulty": 4, "team_a_difficulty": 4, "finished": true},
  {"id": 72, "event": 7, "team_h": 13, "team_a": 12, "kickoff_time": "2026-10-18T16:30:00Z", "team_h_difficulty": 4, "team_a_difficulty": 4, "finished": false},
  {"id": 71, "event": 7, "team_h": 1, "team_a": 13, "kickoff_time": "2026-10-18T14:00:00Z", "team_h_difficulty": 4, "team_a_difficulty": 4, "finished": false},
  {"id": 81, "event": 8, "team_h": 12, "team_a": 13, "kickoff_time": "2026-10-25T14:00:00Z", "team_h_difficulty": 5, "team_a_difficulty": 4, "finished": false},
  {"id": 99, "event": 10, "team_h": 12, "team_a": 1, "kickoff_time": null, "team_h_difficulty": 3, "team_a_difficulty": 4, "finished": false},
  {"id": 100, "event": null, "team_h": 1, "team_a": 12, "kickoff_time": null, "team_h_difficulty": 3, "team_a_difficulty": 4, "finished": false}
]`

const entryJSON = `{"id": 2723529, "name": "Gaffer FC", "player_first_name": "Alex", "player_last_name": "Smith", "player_region_name": "England", "summary_overall_rank": 123456, "summary_overall_points": 410, "last_deadline_bank": 15, "last_deadline_value": 1012}`

const picksJSON = `{
  "active_chip": null,
  "entry_history": {"event": 6, "points": 71, "total_points": 410, "overall_rank": 123456, "bank": 15, "value": 1012, "event_transfers": 1, "event_transfers_cost": 0},
  "picks": [
    {"element": 328, "position": 1, "multiplier": 2, "is_captain": true, "is_vice_captain": false},
    {"element": 351, "position": 2, "multiplier": 1, "is_captain": false, "is_vice_captain": true},
    {"element": 7, "position": 12, "multiplier": 0, "is_captain": false, "is_vice_captain": false}
  ]
}`

const historyJSON = `{"current": [{"event": 6, "points": 71, "total_points": 410, "overall_rank": 123456, "bank": 15, "value": 1012}], "past": [{"season_name": "2024/25", "total_points": 2300}], "chips": [{"name": "wildcard", "time": "2026-09-20T10:00:00Z", "event": 4}]}`

type fakeAPI struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string]int
	fail map[string]int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{hits: map[string]int{}, fail: map[string]int{}}
	routes := map[string]string{
		"/api/bootstrap-static/":            bootstrapJSON,
		"/api/fixtures/":                    fixturesJSON,
		"/api/entry/2723529/":               entryJSON,
		"/api/entry/2723529/event/7/picks/": picksJSON,
		"/api/entry/2723529/history/":       historyJSON,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		status := f.fail[r.URL.Path]
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "upstream trouble", status)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeAPI) failWith(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = status
}

func (f *fakeAPI) client() *Client {
	return NewClient(f.srv.URL+"/api/", WithRetries(1, time.Millisecond))
}

func TestClientFetchError(t *testing.T) {
	api := newFakeAPI(t)
	c := api.client()

	_, err := c.Entry(context.Background(), 1)
	require.Error(t, err)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "/entry/1/", fe.Endpoint)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, 1, api.count("/api/entry/1/"), "4xx is not retried")

	api.failWith("/api/fixtures/", http.StatusBadGateway)
	_, err = c.Fixtures(context.Background())
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.Status)
	assert.Equal(t, 2, api.count("/api/fixtures/"), "5xx is retried")
}

func TestClientTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithRetries(0, time.Millisecond))
	_, err := c.Bootstrap(context.Background())
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Status)
}

func TestBuildMappings(t *testing.T) {
	api := newFakeAPI(t)
	b, err := api.client().Bootstrap(context.Background())
	require.NoError(t, err)

	m := BuildMappings(b)
	p, ok := m.Player(328)
	require.True(t, ok)
	assert.Equal(t, "Mohamed Salah", p.Name)
	assert.Equal(t, "Liverpool", p.Team)
	assert.Equal(t, "MID", p.Position)
	assert.Equal(t, 12.5, p.Price)
	assert.Equal(t, 8.5, p.Form)
	assert.Equal(t, "Unknown", m.TeamName(99))

	_, ok = m.Player(1)
	assert.False(t, ok)
}

func TestGameweek(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)

	gw, err := d.Gameweek(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, gw.Gameweek)
	assert.Equal(t, time.Date(2026, 10, 17, 17, 30, 0, 0, time.UTC), gw.Deadline.UTC())
	require.Len(t, gw.Fixtures, 2)
	assert.Equal(t, 71, gw.Fixtures[0].ID, "sorted by kickoff")
	assert.Equal(t, "Arsenal", gw.Fixtures[0].HomeTeam)
	assert.Equal(t, "Man City", gw.Fixtures[0].AwayTeam)
}

func TestBootstrapIsCachedAndShared(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)
	d := NewDataManager(api.client(), time.Minute, nil)
	d.now = func() time.Time { return now }

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Bootstrap(context.Background()); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures)
	assert.Equal(t, 1, api.count("/api/bootstrap-static/"))

	_, err := d.PlayersByPosition(context.Background(), "MID", 15, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("/api/bootstrap-static/"))

	now = now.Add(2 * time.Minute)
	_, err = d.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("/api/bootstrap-static/"), "expired entry is refetched")
}

type gatedAPI struct {
	API
	started chan struct{}
	release chan struct{}
	calls   int32
}

func (g *gatedAPI) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	atomic.AddInt32(&g.calls, 1)
	close(g.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
		return &Bootstrap{Events: []Event{{ID: 7, IsNext: true}}}, nil
	}
}

func TestSharedFetchSurvivesCallerCancellation(t *testing.T) {
	api := &gatedAPI{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDataManager(api, time.Minute, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := d.Bootstrap(ctxA)
		errA <- err
	}()
	<-api.started

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	type result struct {
		b   *Bootstrap
		err error
	}
	resB := make(chan result, 1)
	go func() {
		b, err := d.Bootstrap(context.Background())
		resB <- result{b, err}
	}()
	close(api.release)

	r := <-resB
	require.NoError(t, r.err)
	assert.Equal(t, 7, r.b.Events[0].ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.calls), "one upstream fetch serves both callers")
}

func TestPlayersByPosition(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)

	mids, err := d.PlayersByPosition(context.Background(), "mid", 10.0, 0)
	require.NoError(t, err)
	require.Len(t, mids, 2)
	assert.Equal(t, "Martin Ødegaard", mids[0].Name, "cheaper player first on equal points")
	assert.Equal(t, "Bukayo Saka", mids[1].Name)

	all, err := d.PlayersByPosition(context.Background(), "MID", 15, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Mohamed Salah", all[0].Name)
}

func TestPlayersLookup(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)

	res, err := d.Players(context.Background(), []string{"Salah", "haaland", "Mbappe", " "})
	require.NoError(t, err)
	require.Len(t, res.Players, 2)
	assert.Equal(t, 12.5, res.Players[0].Price)
	assert.Equal(t, "Erling Haaland", res.Players[1].Name)
	assert.Equal(t, []string{"Mbappe"}, res.NotFound)

	res, err = d.Players(context.Background(), []string{"Saka"})
	require.NoError(t, err)
	require.Len(t, res.Players, 1)
	assert.Equal(t, "d", res.Players[0].Status)
	require.NotNil(t, res.Players[0].ChanceOfPlaying)
	assert.Equal(t, 75, *res.Players[0].ChanceOfPlaying)
}

func TestFixtures(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)

	liv, err := d.Fixtures(context.Background(), "LIV", 3)
	require.NoError(t, err)
	require.Len(t, liv, 2)
	assert.Equal(t, 72, liv[0].ID)
	assert.Equal(t, 81, liv[1].ID)

	all, err := d.Fixtures(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = d.Fixtures(context.Background(), "Wrexham", 3)
	assert.Error(t, err)
}

func TestTeam(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)

	team, err := d.Team(context.Background(), 2723529, 7)
	require.NoError(t, err)
	assert.Len(t, team.StartingXI, 2)
	assert.Len(t, team.Bench, 1)
	require.NotNil(t, team.Captain)
	assert.Equal(t, "Mohamed Salah", team.Captain.Name)
	require.NotNil(t, team.ViceCaptain)
	assert.Equal(t, "Erling Haaland", team.ViceCaptain.Name)
	assert.Nil(t, team.ActiveChip)
	assert.Equal(t, 1.5, team.Bank)
	assert.Equal(t, 101.2, team.SquadValue)
	require.NotNil(t, team.History)
	assert.Len(t, team.History.Chips, 1)

	_, err = d.Team(context.Background(), 1, 7)
	var fe *FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestTeamWithoutHistory(t *testing.T) {
	api := newFakeAPI(t)
	api.failWith("/api/entry/2723529/history/", http.StatusNotFound)
	d := NewDataManager(api.client(), time.Minute, nil)

	team, err := d.Team(context.Background(), 2723529, 7)
	require.NoError(t, err)
	assert.Nil(t, team.History)
}

func TestContextSource(t *testing.T) {
	api := newFakeAPI(t)
	d := NewDataManager(api.client(), time.Minute, nil)
	src := NewContextSource(d, map[string]int{"whatsapp:447700900000": 2723529}, 0)

	id, err := src.Identify(context.Background(), "whatsapp:447700900000")
	require.NoError(t, err)
	assert.Equal(t, "2723529", id.UserID)
	assert.Equal(t, "Alex Smith", id.ManagerName)
	assert.Equal(t, "Gaffer FC", id.TeamName)
	require.NotNil(t, id.Bank)
	assert.Equal(t, 1.5, *id.Bank)

	_, err = src.Identify(context.Background(), "someone-else")
	assert.ErrorIs(t, err, ErrUnknownManager)

	withDefault := NewContextSource(d, nil, DefaultManagerID)
	id, err = withDefault.Identify(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Equal(t, DefaultManagerID, id.ManagerID)

	period, err := src.CurrentPeriod(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, period.Gameweek)
}
