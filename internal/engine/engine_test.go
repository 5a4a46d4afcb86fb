package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/compiler"
	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/graph"
	"github.com/loomengine/loom/internal/lint"
	"github.com/loomengine/loom/internal/store"
)

type testEnv struct {
	t     *testing.T
	s     *store.Store
	clock *FixedClock
	eng   *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := NewFixedClock(time.UnixMilli(1_700_000_000_000))
	opts = append([]Option{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	eng := New(s, engineRegistry(t), UUIDv7Generator{}, opts...)
	return &testEnv{t: t, s: s, clock: clock, eng: eng}
}

func engineRegistry(t *testing.T) *contract.Registry {
	t.Helper()
	reg, err := contract.NewRegistry([]contract.Contract{
		{
			TaskType:    "charge",
			WritesFlags: []string{"charged"},
			MayRaise:    []string{"card_declined"},
			Produces:    []string{"payment_id"},
		},
		{TaskType: "reserve_stock"},
		{TaskType: "notify_warehouse"},
		{TaskType: "loop_task", WritesFlags: []string{"again"}},
	})
	require.NoError(t, err)
	return reg
}

// compile lowers the workflow and stores the program, returning its version.
func (env *testEnv) compile(w *graph.Workflow) string {
	env.t.Helper()
	prog, _, err := compiler.Compile(w, env.eng.registry, lint.Options{})
	require.NoError(env.t, err)
	require.NoError(env.t, env.s.PutProgram(context.Background(), prog, env.eng.nowMilli()))
	return prog.Version
}

func (env *testEnv) snapshot(instanceID string) Snapshot {
	env.t.Helper()
	snap, err := env.eng.Snapshot(context.Background(), instanceID)
	require.NoError(env.t, err)
	return snap
}

func (env *testEnv) fiber(instanceID string, fiberID int64) store.Fiber {
	env.t.Helper()
	f, err := env.s.GetFiber(context.Background(), instanceID, fiberID)
	require.NoError(env.t, err)
	return f
}

func (env *testEnv) eventTypes(instanceID string) []string {
	env.t.Helper()
	events, err := env.eng.Events(context.Background(), instanceID)
	require.NoError(env.t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// orderFlow is start -> charge -> xor on charged -> done | failed.
func orderFlow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "order",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "charge", Kind: graph.KindServiceTask, TaskType: "charge"},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
			{ID: "done", Kind: graph.KindEnd},
			{ID: "failed", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "charge"},
			{From: "charge", To: "gw"},
			{From: "gw", To: "done", ConditionFlag: "charged"},
			{From: "gw", To: "failed"},
		},
	}
}

func fanoutFlow(mode graph.GatewayMode) *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "fanout",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "split", Kind: graph.KindGateway, Gateway: mode},
			{ID: "a", Kind: graph.KindServiceTask, TaskType: "reserve_stock"},
			{ID: "b", Kind: graph.KindServiceTask, TaskType: "notify_warehouse"},
			{ID: "join", Kind: graph.KindGateway, Gateway: mode},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "a"},
			{From: "split", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
			{From: "join", To: "end"},
		},
	}
}

func TestLinearSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{"order":42}`), "")
	require.NoError(t, err)

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceRunning, snap.Instance.Status)
	require.Len(t, snap.Fibers, 1)
	assert.Equal(t, store.WaitJob, snap.Fibers[0].WaitState)

	job, ok, err := env.eng.ClaimNextJob(ctx, []string{"charge"}, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Fibers[0].WaitKey, job.JobKey)
	assert.Equal(t, []byte(`{"order":42}`), job.Payload)

	err = env.eng.SubmitJobCompletion(ctx, job.JobKey, JobResult{
		Flags:    map[string]bool{"charged": true},
		CorrKeys: map[string]string{"payment_id": "pay-9"},
		Payload:  []byte(`{"order":42,"charged":true}`),
	})
	require.NoError(t, err)

	snap = env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.True(t, snap.Instance.Flags["charged"])
	assert.Equal(t, "pay-9", snap.Instance.CorrKeys["payment_id"])
	assert.Equal(t, []byte(`{"order":42,"charged":true}`), snap.Instance.Payload)
	assert.Equal(t, store.FiberRetired, snap.Fibers[0].Status)

	types := env.eventTypes(id)
	assert.Contains(t, types, EventInstanceCreated)
	assert.Contains(t, types, EventJobDispatched)
	assert.Contains(t, types, EventJobCompleted)
	assert.Contains(t, types, EventInstanceCompleted)
}

func TestDuplicateCompletionAbsorbed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	jobKey := env.fiber(id, 0).WaitKey

	res := JobResult{Flags: map[string]bool{"charged": true}}
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, res))

	before := env.eventTypes(id)

	// The replay lands in the dedupe cache and changes nothing.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, res))
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{ErrorCode: "card_declined"}))

	assert.Equal(t, before, env.eventTypes(id))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

func TestUndeclaredWritesDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	err = env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{
		Flags:    map[string]bool{"charged": true, "admin": true},
		CorrKeys: map[string]string{"payment_id": "p", "secret": "x"},
	})
	require.NoError(t, err)

	inst := env.snapshot(id).Instance
	assert.True(t, inst.Flags["charged"])
	_, ok := inst.Flags["admin"]
	assert.False(t, ok, "flag outside the contract must be dropped")
	_, ok = inst.CorrKeys["secret"]
	assert.False(t, ok, "correlation key outside the contract must be dropped")
}

func TestXORFallbackBranch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	// Success without the charged flag: the gateway takes the fallback.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{}))

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.False(t, snap.Instance.Flags["charged"])
}

func TestErrorHandlerRouting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	w := orderFlow()
	w.Nodes = append(w.Nodes, graph.Node{ID: "compensate", Kind: graph.KindEnd})
	w.Edges = append(w.Edges, graph.Edge{From: "charge", To: "compensate", OnErrorCode: "card_declined"})
	version := env.compile(w)

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	jobKey := env.fiber(id, 0).WaitKey

	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{ErrorCode: "card_declined"}))

	// The declared error routed to its handler: no retry, no incident.
	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	incidents, err := env.eng.Incidents(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, incidents)

	job, err := env.s.GetJob(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
}

func TestRetryThenIncidentThenResolve(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithRetryLimit(1))
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	jobKey := env.fiber(id, 0).WaitKey

	// First failure burns the single retry: job requeues, fiber keeps waiting.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{ErrorCode: "boom"}))
	job, err := env.s.GetJob(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, int64(0), job.RetriesRemaining)
	assert.Equal(t, store.InstanceRunning, env.snapshot(id).Instance.Status)
	assert.Contains(t, env.eventTypes(id), EventJobRetry)

	// Budget exhausted: incident, fiber faulted, instance paused.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{
		ErrorCode: "boom", Message: "worker exploded",
	}))
	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceIncident, snap.Instance.Status)
	assert.Equal(t, store.FiberFaulted, snap.Fibers[0].Status)

	incidents, err := env.eng.Incidents(ctx, true)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "boom", incidents[0].ErrorClass)
	assert.Equal(t, "charge", incidents[0].ServiceTaskID)
	assert.Equal(t, "worker exploded", incidents[0].Message)

	// Operator retry: job requeues with a fresh budget and the instance resumes.
	require.NoError(t, env.eng.ResolveIncident(ctx, incidents[0].IncidentID, ResolutionRetry))
	job, err = env.s.GetJob(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, int64(1), job.RetriesRemaining)
	snap = env.snapshot(id)
	assert.Equal(t, store.InstanceRunning, snap.Instance.Status)
	assert.Equal(t, store.WaitJob, snap.Fibers[0].WaitState)

	open, err := env.eng.Incidents(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Double resolution is rejected.
	err = env.eng.ResolveIncident(ctx, incidents[0].IncidentID, ResolutionRetry)
	assert.Error(t, err)

	// The retried job's success is a new outcome, not a cached replay.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{
		Flags: map[string]bool{"charged": true},
	}))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

func TestParallelJoinFiresOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(fanoutFlow(graph.GatewayAND))

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	snap := env.snapshot(id)
	require.Len(t, snap.Fibers, 3, "root plus two branch fibers")
	assert.Equal(t, store.FiberRetired, snap.Fibers[0].Status, "fork retires the parent")
	assert.Equal(t, store.WaitJob, snap.Fibers[1].WaitState)
	assert.Equal(t, store.WaitJob, snap.Fibers[2].WaitState)

	// First branch completes and parks at the barrier.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, snap.Fibers[1].WaitKey, JobResult{}))
	assert.Equal(t, store.WaitJoin, env.fiber(id, 1).WaitState)
	assert.Equal(t, store.InstanceRunning, env.snapshot(id).Instance.Status)

	// Second arrival fires the join exactly once and completes the instance.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, snap.Fibers[2].WaitKey, JobResult{}))

	snap = env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	for _, f := range snap.Fibers {
		assert.Equal(t, store.FiberRetired, f.Status, "fiber %d", f.FiberID)
	}

	fired := 0
	for _, typ := range env.eventTypes(id) {
		if typ == EventJoinFired {
			fired++
		}
	}
	assert.Equal(t, 1, fired, "a join barrier fires exactly once")
}

func TestRaceCancelsLosers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(fanoutFlow(graph.GatewayRace))

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	snap := env.snapshot(id)
	winnerKey := snap.Fibers[1].WaitKey
	loserKey := snap.Fibers[2].WaitKey

	require.NoError(t, env.eng.SubmitJobCompletion(ctx, winnerKey, JobResult{}))

	snap = env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, store.FiberRetired, snap.Fibers[1].Status)
	assert.Equal(t, store.FiberCancelled, snap.Fibers[2].Status, "race loser is cancelled")

	// The loser's late completion is discarded, not applied.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, loserKey, JobResult{}))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
	assert.Contains(t, env.eventTypes(id), EventCompletionDiscarded)

	job, err := env.s.GetJob(ctx, loserKey)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
}

// settleFlow is start -> charge -> wait for payment_settled -> done.
func settleFlow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "settle",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "charge", Kind: graph.KindServiceTask, TaskType: "charge"},
			{ID: "wait", Kind: graph.KindMessageWait, MessageName: "payment_settled", CorrKeySource: "payment_id"},
			{ID: "done", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "charge"},
			{From: "charge", To: "wait"},
			{From: "wait", To: "done"},
		},
	}
}

func TestMessageDeliveredToWaiter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(settleFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{
		CorrKeys: map[string]string{"payment_id": "pay-9"},
	}))

	f := env.fiber(id, 0)
	assert.Equal(t, store.WaitMessage, f.WaitState)
	assert.Equal(t, "payment_settled", f.WaitName)
	assert.Equal(t, "pay-9", f.WaitKey, "correlation key resolves from the produced key")

	require.NoError(t, env.eng.DeliverMessage(ctx, "payment_settled", "pay-9", []byte(`{"settled":true}`)))

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, []byte(`{"settled":true}`), snap.Instance.Payload)
	assert.Contains(t, env.eventTypes(id), EventMessageReceived)
}

func TestMessageParkedThenConsumed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(settleFlow())

	// The message arrives before anyone waits for it.
	require.NoError(t, env.eng.DeliverMessage(ctx, "payment_settled", "pay-9", []byte(`{"early":true}`)))

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{
		CorrKeys: map[string]string{"payment_id": "pay-9"},
	}))

	// The WAIT_MSG drained the parked delivery without suspending.
	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, []byte(`{"early":true}`), snap.Instance.Payload)
	assert.Contains(t, env.eventTypes(id), EventDeadLetterConsumed)
}

func TestMessageCorrKeyFallsBackToCorrelationID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(settleFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "corr-7")
	require.NoError(t, err)
	// No payment_id produced: the wait keys on the instance correlation id.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{}))

	assert.Equal(t, "corr-7", env.fiber(id, 0).WaitKey)

	require.NoError(t, env.eng.DeliverMessage(ctx, "payment_settled", "corr-7", nil))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

func TestDeadLetterExpiry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithDeadLetterTTL(time.Minute))

	require.NoError(t, env.eng.DeliverMessage(ctx, "payment_settled", "nobody", []byte(`{}`)))

	expired, err := env.eng.SweepDeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired, "unexpired entries stay parked")

	env.clock.Advance(2 * time.Minute)
	expired, err = env.eng.SweepDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "nobody", expired[0].CorrKey)
}

func TestHumanTaskSignal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	w := &graph.Workflow{
		ProcessKey: "approval",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "approve", Kind: graph.KindHumanWait},
			{ID: "done", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "approve"},
			{From: "approve", To: "done"},
		},
	}
	version := env.compile(w)

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	f := env.fiber(id, 0)
	assert.Equal(t, store.WaitHuman, f.WaitState)
	assert.Equal(t, "approve", f.WaitName)

	// Signalling a fiber that does not exist is an error.
	err = env.eng.SignalHumanTask(ctx, id, 9, nil)
	assert.Error(t, err)

	doc := []byte(`{"approved":true,"approver":"ops"}`)
	require.NoError(t, env.eng.SignalHumanTask(ctx, id, 0, doc))

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, doc, snap.Instance.Payload, "the completion payload becomes the instance payload")
	assert.Equal(t, bytecode.PayloadHash(doc), snap.Instance.PayloadHash)
	assert.Contains(t, env.eventTypes(id), EventHumanCompleted)

	// The fiber is retired; signalling it again is an error.
	assert.Error(t, env.eng.SignalHumanTask(ctx, id, 0, nil))
}

func TestHumanTaskSignalTargetsFiber(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Both branches of a parallel split land on the same human task, so
	// two fibers wait on one node and the signal must pick exactly one.
	w := &graph.Workflow{
		ProcessKey: "dual_approval",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "split", Kind: graph.KindGateway, Gateway: graph.GatewayAND},
			{ID: "approve", Kind: graph.KindHumanWait},
			{ID: "done", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "approve"},
			{From: "split", To: "approve"},
			{From: "approve", To: "done"},
		},
	}
	version := env.compile(w)

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	for _, fid := range []int64{1, 2} {
		f := env.fiber(id, fid)
		assert.Equal(t, store.WaitHuman, f.WaitState)
		assert.Equal(t, "approve", f.WaitName)
	}

	require.NoError(t, env.eng.SignalHumanTask(ctx, id, 2, nil))

	assert.Equal(t, store.FiberRetired, env.fiber(id, 2).Status)
	assert.Equal(t, store.WaitHuman, env.fiber(id, 1).WaitState, "the sibling keeps waiting")
	assert.Equal(t, store.InstanceRunning, env.snapshot(id).Instance.Status)

	require.NoError(t, env.eng.SignalHumanTask(ctx, id, 1, nil))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

// loopFlow re-enters work while the again flag holds.
func loopFlow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "retry_loop",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "work", Kind: graph.KindServiceTask, TaskType: "loop_task"},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "gw"},
			{From: "gw", To: "work", ConditionFlag: "again"},
			{From: "gw", To: "end"},
		},
	}
}

func TestLoopEpochsSeparateIterations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(loopFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)

	first := env.fiber(id, 0).WaitKey
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, first, JobResult{
		Flags: map[string]bool{"again": true},
	}))

	// The loop re-entered under a fresh epoch: a new, distinct job.
	f := env.fiber(id, 0)
	assert.Equal(t, store.WaitJob, f.WaitState)
	assert.NotEqual(t, first, f.WaitKey, "each iteration dispatches its own job key")

	require.NoError(t, env.eng.SubmitJobCompletion(ctx, f.WaitKey, JobResult{
		Flags: map[string]bool{"again": false},
	}))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

func TestStaleEpochWakeupDiscarded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(loopFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, env.fiber(id, 0).WaitKey, JobResult{
		Flags: map[string]bool{"again": true},
	}))

	// A job row left over from the superseded iteration: its epoch trails
	// the fiber's.
	f := env.fiber(id, 0)
	err = env.s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertJob(ctx, store.JobEntry{
			JobKey: "stale-jk", InstanceID: id, FiberID: 0, NodeID: "work",
			TaskType: "loop_task", Payload: []byte(`{}`), PayloadHash: "old",
			LoopEpoch: f.LoopEpoch - 1, RetriesRemaining: 3, Status: store.JobPending,
		})
		return err
	})
	require.NoError(t, err)

	err = env.eng.SubmitJobCompletion(ctx, "stale-jk", JobResult{
		Flags: map[string]bool{"again": false},
	})
	require.Error(t, err)
	assert.True(t, IsStaleEpoch(err), "stale wakeups classify via IsStaleEpoch")

	// Discarded: the fiber still waits on the current iteration's job.
	assert.Contains(t, env.eventTypes(id), EventStaleWakeup)
	got := env.fiber(id, 0)
	assert.Equal(t, store.WaitJob, got.WaitState)
	assert.Equal(t, f.WaitKey, got.WaitKey)
	assert.Equal(t, store.InstanceRunning, env.snapshot(id).Instance.Status)
}

func TestRecoverRedrivesInterruptedFibers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	jobKey := env.fiber(id, 0).WaitKey

	_, ok, err := env.eng.ClaimNextJob(ctx, nil, "doomed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a crash mid-step: rewind the fiber to its previous committed
	// state, persisted as running.
	err = env.s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SaveFiber(ctx, store.Fiber{
			InstanceID: id, FiberID: 0, PC: 0,
			Regs: map[string]int64{}, WaitState: store.WaitRunning, Status: store.FiberActive,
		})
	})
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute) // past the claim lease

	report, err := env.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FibersResumed)
	assert.Equal(t, int64(1), report.ClaimsReleased)

	// The re-driven DISPATCH derived the same key; the job is claimable again.
	f := env.fiber(id, 0)
	assert.Equal(t, store.WaitJob, f.WaitState)
	assert.Equal(t, jobKey, f.WaitKey)
	job, err := env.s.GetJob(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)

	// And the instance still completes normally.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{
		Flags: map[string]bool{"charged": true},
	}))
	assert.Equal(t, store.InstanceCompleted, env.snapshot(id).Instance.Status)
}

func TestStepQuotaFaultsFiber(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithMaxSteps(10))

	// An XOR whose only edge loops back to itself never suspends.
	w := &graph.Workflow{
		ProcessKey: "spin",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
		},
		Edges: []graph.Edge{
			{From: "start", To: "gw"},
			{From: "gw", To: "gw"},
		},
	}
	version := env.compile(w)

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.Error(t, err)
	assert.True(t, IsQuotaError(err), "the blown budget surfaces to the caller")

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceIncident, snap.Instance.Status)
	assert.Equal(t, store.FiberFaulted, snap.Fibers[0].Status)

	incidents, err := env.eng.Incidents(ctx, true)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "quota_exceeded", incidents[0].ErrorClass)
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	id, err := env.eng.StartInstance(ctx, version, []byte(`{}`), "")
	require.NoError(t, err)
	jobKey := env.fiber(id, 0).WaitKey

	require.NoError(t, env.eng.CancelInstance(ctx, id))

	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCancelled, snap.Instance.Status)
	assert.Equal(t, store.FiberCancelled, snap.Fibers[0].Status)

	// Terminal states are not re-cancellable.
	assert.Error(t, env.eng.CancelInstance(ctx, id))

	// A worker reporting in after cancellation settles as discarded.
	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{}))
	assert.Equal(t, store.InstanceCancelled, env.snapshot(id).Instance.Status)
	assert.Contains(t, env.eventTypes(id), EventCompletionDiscarded)
}

func mustJobKeyFor(instanceID, nodeID string, epoch int64, payload []byte) string {
	return bytecode.MustJobKey(instanceID, nodeID, epoch, bytecode.PayloadHash(payload))
}

func TestEarlyCompletionParkedAndConsumed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	version := env.compile(orderFlow())

	// Derive the job key the first dispatch will use, then complete it
	// before the instance exists. Requires a fixed instance id.
	gen := NewFixedGenerator("inst-early")
	env.eng.idgen = gen

	payload := []byte(`{"order":7}`)
	jobKey := mustJobKeyFor("inst-early", "charge", 0, payload)

	require.NoError(t, env.eng.SubmitJobCompletion(ctx, jobKey, JobResult{
		Flags: map[string]bool{"charged": true},
	}))

	id, err := env.eng.StartInstance(ctx, version, payload, "")
	require.NoError(t, err)
	require.Equal(t, "inst-early", id)

	// WAIT_JOB consumed the parked completion inline: no worker needed.
	snap := env.snapshot(id)
	assert.Equal(t, store.InstanceCompleted, snap.Instance.Status)
	assert.True(t, snap.Instance.Flags["charged"])
	assert.Contains(t, env.eventTypes(id), EventDeadLetterConsumed)
}
