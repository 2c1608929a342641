package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/logging"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/rules"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

type memoryCursor struct {
	state   *evaluation.TickState
	saveErr error
	saves   int
}

func (c *memoryCursor) Load(context.Context) (*evaluation.TickState, error) {
	return c.state, nil
}

func (c *memoryCursor) Save(_ context.Context, state *evaluation.TickState) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	c.state = state
	c.saves++
	return nil
}

type recordingSink struct {
	tickIDs   []string
	requested []map[model.EntityKey]subset.Subset
}

func (s *recordingSink) SubmitRequests(_ context.Context, tickID string, requested map[model.EntityKey]subset.Subset) error {
	s.tickIDs = append(s.tickIDs, tickID)
	s.requested = append(s.requested, requested)
	return nil
}

func newTestLoop(t *testing.T, cursor CursorStore, sink RequestSink) *Loop {
	t.Helper()
	g, err := query.NewMemoryGraph(query.EntitySpec{Key: "e"})
	if err != nil {
		t.Fatalf("NewMemoryGraph: %v", err)
	}
	ev := NewEvaluator(g, query.NewMemoryHistory(g), query.NewMemoryRuns(nil), Options{}, logging.Nop())
	policies := Policies{"e": {rules.MaterializeOnMissingRule{}}}
	return NewLoop(ev, policies, cursor, sink, DefaultConfig(), logging.Nop())
}

func TestTick_CommitsStateAndSubmitsRequests(t *testing.T) {
	cursor := &memoryCursor{}
	sink := &recordingSink{}
	loop := newTestLoop(t, cursor, sink)

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if cursor.saves != 1 || cursor.state == nil {
		t.Fatal("tick did not commit the cursor")
	}
	// the unpartitioned entity is missing on the first tick
	if len(sink.requested) != 1 || !sink.requested[0]["e"].Contains("") {
		t.Errorf("sink received %+v", sink.requested)
	}
	if sink.tickIDs[0] != cursor.state.TickID {
		t.Errorf("sink tick id %q != committed tick id %q", sink.tickIDs[0], cursor.state.TickID)
	}
}

func TestTick_SecondTickIsQuiescent(t *testing.T) {
	cursor := &memoryCursor{}
	sink := &recordingSink{}
	loop := newTestLoop(t, cursor, sink)
	ctx := context.Background()

	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	// the first tick requested the missing partition; the second carries the
	// handled state forward and requests nothing new
	if len(sink.requested) != 1 {
		t.Errorf("sink received %d submissions, want 1", len(sink.requested))
	}
	if cursor.saves != 2 {
		t.Errorf("saves = %d, want a committed state per tick", cursor.saves)
	}
}

func TestTick_SaveFailureIsReported(t *testing.T) {
	cursor := &memoryCursor{saveErr: errors.New("disk full")}
	sink := &recordingSink{}
	loop := newTestLoop(t, cursor, sink)

	if err := loop.Tick(context.Background()); err == nil {
		t.Fatal("expected save failure to surface")
	}
	if len(sink.requested) != 0 {
		t.Error("requests submitted despite uncommitted state")
	}
}
