// Package dashboard serves the landing page figures for each staff role.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// Scalar runs a query returning one float8.
type Scalar interface {
	Scalar(ctx context.Context, sql string, args ...interface{}) (float64, error)
}

type Value struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

type Dashboard struct {
	Role        string    `json:"role"`
	GeneratedAt time.Time `json:"generated_at"`
	Widgets     []Value   `json:"widgets"`
}

// maxQueries bounds the widget queries run at once per request.
const maxQueries = 4

type Service struct {
	db  Scalar
	loc *time.Location
	now func() time.Time
}

// NewService computes "today" in loc; nil means UTC.
func NewService(db Scalar, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{db: db, loc: loc, now: time.Now}
}

func (s *Service) Build(ctx context.Context, role, userID string) (*Dashboard, error) {
	widgets, ok := Sets[role]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("dashboard for role %q", role))
	}

	now := s.now().In(s.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	scope := Scope{DayStart: start, DayEnd: start.AddDate(0, 0, 1), UserID: userID}

	out := make([]Value, len(widgets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxQueries)
	for i, w := range widgets {
		g.Go(func() error {
			v, err := s.db.Scalar(gctx, w.SQL, w.Args(scope)...)
			if err != nil {
				return fmt.Errorf("widget %s: %w", w.ID, err)
			}
			out[i] = Value{ID: w.ID, Label: w.Label, Unit: w.Unit, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Dashboard{Role: role, GeneratedAt: now.UTC(), Widgets: out}, nil
}
