package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newLibSQLStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs a test against every Store implementation.
func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { test(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { test(t, newLibSQLStore(t)) })
}

func event(typ, nodeID string, attempt int, payload any) *schema.ExecutionEvent {
	return &schema.ExecutionEvent{
		Type:       typ,
		NodeID:     nodeID,
		Attempt:    attempt,
		Payload:    schema.MustPayload(payload),
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// seedRun creates a run through its workflow_started event.
func seedRun(t *testing.T, s Store, tenant string) *schema.WorkflowRun {
	t.Helper()
	started := event(schema.EventWorkflowStarted, "", 0, schema.RunStartedPayload{
		DefinitionID: "orders",
		Variables:    map[string]any{"total": 10.0},
	})
	started.RunID = uuid.NewString()
	started.TenantID = tenant
	run := &schema.WorkflowRun{CreatedAt: started.OccurredAt}
	require.NoError(t, Project(run, started))
	require.NoError(t, s.Create(context.Background(), run, []*schema.ExecutionEvent{started}))
	return run
}

// apply projects events onto the run and commits them.
func apply(t *testing.T, s Store, run *schema.WorkflowRun, events ...*schema.ExecutionEvent) error {
	t.Helper()
	for _, ev := range events {
		ev.RunID = run.ID
		ev.TenantID = run.TenantID
		require.NoError(t, Project(run, ev))
	}
	return s.Update(context.Background(), Mutation{Run: run, ExpectedVersion: run.Version, Events: events})
}

func TestStore_CreateAndFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")
		assert.Equal(t, int64(1), run.Version)

		got, err := s.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "orders", got.DefinitionID)
		assert.Equal(t, 10.0, got.Variables["total"])

		events, err := s.Events(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, int64(1), events[0].Version)
		assert.NotEmpty(t, events[0].ID)

		err = s.Create(ctx, run, nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})
}

func TestStore_FindMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.FindByID(context.Background(), "nope")
		assert.True(t, schema.HasCode(err, schema.ErrCodeRunNotFound))
	})
}

func TestStore_UpdateBumpsVersionAndSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")

		require.NoError(t, apply(t, s, run,
			event(schema.EventNodeStarted, "reserve", 1, schema.NodeStartedPayload{TokenID: "t1"}),
		))
		assert.Equal(t, int64(2), run.Version)

		require.NoError(t, apply(t, s, run,
			event(schema.EventNodeSucceeded, "reserve", 1, schema.NodeSucceededPayload{Variables: map[string]any{"reserved": true}}),
			event(schema.EventNodeStarted, "charge", 1, schema.NodeStartedPayload{TokenID: "t2"}),
		))
		assert.Equal(t, int64(3), run.Version)

		events, err := s.Events(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 4)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
		assert.Equal(t, int64(3), events[3].Version)

		tail, err := s.Events(ctx, run.ID, 2)
		require.NoError(t, err)
		assert.Len(t, tail, 2)

		got, err := s.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, true, got.Variables["reserved"])
		assert.Equal(t, []string{"reserve", "charge"}, got.ExecutionPath)
	})
}

func TestStore_StaleVersionConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")
		stale := run.Clone()

		require.NoError(t, apply(t, s, run, event(schema.EventNodeStarted, "a", 1, schema.NodeStartedPayload{})))

		err := apply(t, s, stale, event(schema.EventNodeStarted, "b", 1, schema.NodeStartedPayload{}))
		require.Error(t, err)
		assert.True(t, schema.IsConflict(err))

		events, err := s.Events(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2, "conflicting mutation must not append events")

		err = s.Update(ctx, Mutation{Run: &schema.WorkflowRun{ID: "ghost"}, ExpectedVersion: 1})
		assert.True(t, schema.HasCode(err, schema.ErrCodeRunNotFound))
	})
}

func TestStore_ConcurrentUpdatesSameVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")
		const writers = 8

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			mine := run.Clone()
			ev := event(schema.EventNodeStarted, string(rune('a'+i)), 1, schema.NodeStartedPayload{})
			ev.RunID = mine.ID
			ev.TenantID = mine.TenantID
			require.NoError(t, Project(mine, ev))

			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = s.Update(ctx, Mutation{Run: mine, ExpectedVersion: 1, Events: []*schema.ExecutionEvent{ev}})
			}(i)
		}
		close(start)
		wg.Wait()

		won, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case schema.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, won, "exactly one writer commits")
		assert.Equal(t, writers-1, conflicts)

		got, err := s.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Len(t, got.ExecutionPath, 1)

		events, err := s.Events(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2, "losing writers append nothing")
	})
}

func TestStore_ProcessedResults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")

		done, err := s.IsNodeResultProcessed(ctx, run.ID, "a", 1)
		require.NoError(t, err)
		assert.False(t, done)

		key := ResultKey{RunID: run.ID, NodeID: "a", Attempt: 1}
		ev := event(schema.EventNodeSucceeded, "a", 1, schema.NodeSucceededPayload{})
		require.NoError(t, Project(run, ev))
		require.NoError(t, s.Update(ctx, Mutation{Run: run, ExpectedVersion: run.Version, Events: []*schema.ExecutionEvent{ev}, Processed: []ResultKey{key}}))

		done, err = s.IsNodeResultProcessed(ctx, run.ID, "a", 1)
		require.NoError(t, err)
		assert.True(t, done)

		done, err = s.IsNodeResultProcessed(ctx, run.ID, "a", 2)
		require.NoError(t, err)
		assert.False(t, done)

		err = s.Update(ctx, Mutation{Run: run, ExpectedVersion: run.Version, Processed: []ResultKey{key}})
		assert.True(t, schema.IsConflict(err))
	})
}

func TestStore_SnapshotTenantScope(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")

		snap, err := s.Snapshot(ctx, run.ID, "acme")
		require.NoError(t, err)
		assert.Equal(t, run.ID, snap.RunID)
		assert.Equal(t, schema.RunStatusRunning, snap.Status)

		_, err = s.Snapshot(ctx, run.ID, "globex")
		assert.True(t, schema.HasCode(err, schema.ErrCodeRunNotFound))

		_, err = s.Snapshot(ctx, run.ID, "")
		assert.NoError(t, err)
	})
}

func TestStore_Query(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedRun(t, s, "acme")
		seedRun(t, s, "acme")
		seedRun(t, s, "globex")

		require.NoError(t, apply(t, s, a, event(schema.EventWorkflowCompleted, "", 0, schema.CompletedPayload{})))

		all, err := s.Query(ctx, RunQuery{TenantID: "acme"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		done, err := s.Query(ctx, RunQuery{TenantID: "acme", Statuses: []schema.RunStatus{schema.RunStatusCompleted}})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, a.ID, done[0].RunID)

		page, err := s.Query(ctx, RunQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page, 2)

		rest, err := s.Query(ctx, RunQuery{Offset: 2})
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})
}

func TestStore_AppendEventKeepsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")

		ev := event(schema.EventNodeResultRejected, "a", 3, schema.ReasonPayload{Reason: "stale attempt"})
		ev.RunID = run.ID
		require.NoError(t, s.AppendEvent(ctx, ev))
		assert.Equal(t, int64(2), ev.Sequence)
		assert.Equal(t, int64(1), ev.Version)

		got, err := s.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)

		missing := event(schema.EventNodeResultRejected, "a", 1, nil)
		missing.RunID = "ghost"
		assert.True(t, schema.HasCode(s.AppendEvent(ctx, missing), schema.ErrCodeRunNotFound))
	})
}

func TestStore_Callbacks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		fire := now.Add(-time.Second)

		timer := &schema.CallbackRegistration{
			ID: uuid.NewString(), RunID: "r1", TenantID: "acme", NodeID: "wait",
			Kind: schema.CallbackTimer, ExpiresAt: now.Add(time.Hour), FireAt: &fire,
		}
		signal := &schema.CallbackRegistration{
			ID: uuid.NewString(), RunID: "r1", TenantID: "acme", NodeID: "approve",
			Kind: schema.CallbackSignal, SignalType: schema.SignalApprove, ExpiresAt: now.Add(-time.Minute),
		}
		require.NoError(t, s.SaveCallback(ctx, timer))
		require.NoError(t, s.SaveCallback(ctx, signal))

		got, err := s.GetCallback(ctx, signal.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.SignalApprove, got.SignalType)
		assert.False(t, got.Consumed())

		due, err := s.ListCallbacks(ctx, CallbackQuery{Kind: schema.CallbackTimer, DueBefore: &now, Unconsumed: true})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, timer.ID, due[0].ID)

		expired, err := s.ListCallbacks(ctx, CallbackQuery{ExpiredBefore: &now, Unconsumed: true})
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, signal.ID, expired[0].ID)

		require.NoError(t, s.ConsumeCallback(ctx, signal.ID))
		assert.True(t, schema.HasCode(s.ConsumeCallback(ctx, signal.ID), schema.ErrCodeTokenInvalid))
		assert.True(t, schema.HasCode(s.ConsumeCallback(ctx, "ghost"), schema.ErrCodeTokenInvalid))

		_, err = s.GetCallback(ctx, "ghost")
		assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))

		left, err := s.ListCallbacks(ctx, CallbackQuery{RunID: "r1", Unconsumed: true})
		require.NoError(t, err)
		assert.Len(t, left, 1)
	})
}

func TestStore_MutationConsumesCallbackAtomically(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "acme")
		reg := &schema.CallbackRegistration{
			ID: uuid.NewString(), RunID: run.ID, TenantID: "acme", NodeID: "approve",
			Kind: schema.CallbackSignal, ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, s.SaveCallback(ctx, reg))

		ev := event(schema.EventNodeSucceeded, "approve", 1, schema.NodeSucceededPayload{})
		ev.RunID, ev.TenantID = run.ID, run.TenantID
		require.NoError(t, Project(run, ev))
		require.NoError(t, s.Update(ctx, Mutation{Run: run, ExpectedVersion: run.Version, Events: []*schema.ExecutionEvent{ev}, Consumed: []string{reg.ID}}))

		got, err := s.GetCallback(ctx, reg.ID)
		require.NoError(t, err)
		assert.True(t, got.Consumed())

		// A second mutation consuming the same callback fails and writes nothing.
		err = s.Update(ctx, Mutation{Run: run, ExpectedVersion: run.Version, Events: []*schema.ExecutionEvent{
			event(schema.EventSignalReceived, "approve", 1, nil),
		}, Consumed: []string{reg.ID}})
		assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))

		events, err := s.Events(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}

func TestStore_ReplayMatchesSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	require.NoError(t, apply(t, s, run,
		event(schema.EventNodeStarted, "a", 1, schema.NodeStartedPayload{TokenID: "t1"}),
	))
	require.NoError(t, apply(t, s, run,
		event(schema.EventNodeSucceeded, "a", 1, schema.NodeSucceededPayload{
			Output: map[string]any{"id": "x"}, Variables: map[string]any{"id": "x"}, Routes: []string{"b"},
		}),
		event(schema.EventNodeStarted, "b", 1, schema.NodeStartedPayload{TokenID: "t2"}),
	))
	require.NoError(t, apply(t, s, run,
		event(schema.EventNodeSucceeded, "b", 1, schema.NodeSucceededPayload{}),
		event(schema.EventWorkflowCompleted, "", 0, schema.CompletedPayload{Outputs: map[string]any{"id": "x"}}),
	))

	el := NewEventLog(s)
	replayed, err := el.Verify(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, replayed.Status)
	assert.Equal(t, run.Version, replayed.Version)
	assert.Equal(t, []string{"b"}, replayed.Nodes["a"].Routes)
	assert.Equal(t, "x", replayed.Outputs["id"])

	_, err = el.Replay(ctx, "ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeRunNotFound))
}

func TestEventLog_VerifyDetectsDivergence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	// Snapshot changed without an event.
	run.Variables["total"] = 99.0
	require.NoError(t, s.Update(ctx, Mutation{Run: run, ExpectedVersion: run.Version}))

	_, err := NewEventLog(s).Verify(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInternal))
}

func TestLibSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newLibSQLStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	v, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- leading comment; with a semicolon
CREATE TABLE a (id TEXT);

-- trailing
CREATE INDEX i ON a(id);
`)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(id)", stmts[1])
}
