package fpl

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/gaffer/session"
)

// DefaultManagerID is used for sessions that have no configured manager.
const DefaultManagerID = 2723529

// ErrUnknownManager is returned when a session maps to no manager id.
var ErrUnknownManager = errors.New("fpl: no manager id for session")

// ContextSource resolves session identity and the current gameweek for the
// context loader.
type ContextSource struct {
	data           *DataManager
	managers       map[string]int
	defaultManager int
}

// NewContextSource maps session ids to FPL manager ids. Unmapped sessions use
// defaultManager; zero disables the fallback.
func NewContextSource(data *DataManager, managers map[string]int, defaultManager int) *ContextSource {
	m := make(map[string]int, len(managers))
	for k, v := range managers {
		m[strings.TrimSpace(k)] = v
	}
	return &ContextSource{data: data, managers: m, defaultManager: defaultManager}
}

// ManagerFor returns the manager id configured for sessionID.
func (s *ContextSource) ManagerFor(sessionID string) (int, bool) {
	if id, ok := s.managers[strings.TrimSpace(sessionID)]; ok && id > 0 {
		return id, true
	}
	if s.defaultManager > 0 {
		return s.defaultManager, true
	}
	return 0, false
}

// Identify loads the manager profile behind sessionID.
func (s *ContextSource) Identify(ctx context.Context, sessionID string) (session.Identity, error) {
	managerID, ok := s.ManagerFor(sessionID)
	if !ok {
		return session.Identity{}, ErrUnknownManager
	}
	p, err := s.data.Profile(ctx, managerID)
	if err != nil {
		return session.Identity{}, err
	}
	return session.Identity{
		UserID:      strconv.Itoa(managerID),
		ManagerID:   managerID,
		ManagerName: strings.TrimSpace(p.FirstName + " " + p.LastName),
		TeamName:    p.TeamName,
		OverallRank: p.OverallRank,
		TotalPoints: p.TotalPoints,
		Bank:        p.Bank,
		TeamValue:   p.TeamValue,
	}, nil
}

// CurrentPeriod returns the next gameweek and its deadline.
func (s *ContextSource) CurrentPeriod(ctx context.Context) (session.Period, error) {
	gw, err := s.data.Gameweek(ctx)
	if err != nil {
		return session.Period{}, err
	}
	return session.Period{Gameweek: gw.Gameweek, Deadline: gw.Deadline}, nil
}
