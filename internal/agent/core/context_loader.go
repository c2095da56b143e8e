package core

import (
	"context"
	"io"
	"time"

	"github.com/mohammad-safakhou/gaffer/session"
	"github.com/sirupsen/logrus"
)

// ContextLoader populates user identity and the current gameweek once per
// session. Lookup failures leave the affected fields unknown.
type ContextLoader struct {
	provider ContextProvider
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewContextLoader creates a loader backed by provider.
func NewContextLoader(provider ContextProvider, logger logrus.FieldLogger) *ContextLoader {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &ContextLoader{provider: provider, logger: logger, now: time.Now}
}

// Load returns the facts missing from st. When identity and period are both
// known and the period deadline has not passed it returns an empty Update.
func (l *ContextLoader) Load(ctx context.Context, st *State) Update {
	needIdentity := st.UserID == ""
	needPeriod := st.Context == nil || st.Context.Gameweek == 0 ||
		(st.Context.Deadline != nil && l.now().After(*st.Context.Deadline))
	if (!needIdentity && !needPeriod) || l.provider == nil {
		return Update{}
	}

	log := l.logger.WithFields(logrus.Fields{"session_id": st.SessionID, "stage": string(StageContextLoaded)})
	next := st.Context.Clone()
	if next == nil {
		next = &session.Context{}
	}
	var update Update
	changed := false

	if needIdentity {
		id, err := l.provider.Identify(ctx, st.SessionID)
		if err != nil {
			log.WithError(err).Warn("identity lookup failed; continuing without it")
		} else if id.UserID != "" {
			userID := id.UserID
			update.UserID = &userID
			next.ManagerID = id.ManagerID
			next.ManagerName = id.ManagerName
			next.TeamName = id.TeamName
			next.OverallRank = id.OverallRank
			next.TotalPoints = id.TotalPoints
			next.Bank = id.Bank
			next.TeamValue = id.TeamValue
			changed = true
		}
	}

	if needPeriod {
		p, err := l.provider.CurrentPeriod(ctx)
		if err != nil {
			log.WithError(err).Warn("gameweek lookup failed; continuing without it")
		} else if p.Gameweek > 0 {
			next.Gameweek = p.Gameweek
			if !p.Deadline.IsZero() {
				d := p.Deadline
				next.Deadline = &d
			} else {
				next.Deadline = nil
			}
			changed = true
		}
	}

	if changed {
		update.Context = next
	}
	return update
}
