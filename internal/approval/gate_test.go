package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/storage/memory"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

type testEnv struct {
	threads *thread.Manager
	gate    *Gate
}

func setupGate(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := memory.New()
	cps := checkpoint.New(store, memory.NewBlob(),
		checkpoint.WithRetryPolicy(storage.DefaultRetryPolicy().WithoutSleep()))
	threads := thread.NewManager(store, cps)
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return &testEnv{threads: threads, gate: NewGate(threads, cps, opts...)}
}

func testDecision() *models.Decision {
	return &models.Decision{
		Outcome:       models.OutcomeDecided,
		FinalDecision: "delay 6h",
		Candidates: []models.Candidate{
			{ID: "c1", Source: "arbiter", Action: models.ActionDelay, Delay: 6 * time.Hour, Summary: "delay 6h", Recommended: true},
			{ID: "c2", Source: "arbiter", Action: models.ActionCancel, Summary: "cancel"},
		},
		Confidence: 0.8,
	}
}

func (env *testEnv) paused(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := env.threads.Create(ctx, json.RawMessage(`{"flight":"AA100"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := env.gate.Pause(ctx, id, testDecision()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	return id
}

func TestGate_PauseSuspendsThread(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)

	th, _ := env.threads.Get(ctx, id)
	if th.Status != models.ThreadStatusAwaitingApproval {
		t.Errorf("Status = %q, want awaiting_approval", th.Status)
	}

	d, err := env.gate.Pending(ctx, id)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if d == nil || d.Recommended().ID != "c1" {
		t.Errorf("Pending = %+v", d)
	}

	if err := env.gate.Pause(ctx, id, testDecision()); err != nil {
		t.Errorf("second Pause error = %v, want nil", err)
	}
}

func TestGate_PendingNone(t *testing.T) {
	env := setupGate(t)
	id, _ := env.threads.Create(context.Background(), nil)
	d, err := env.gate.Pending(context.Background(), id)
	if err != nil || d != nil {
		t.Errorf("Pending = %v, %v; want nil, nil", d, err)
	}
}

func TestGate_ApproveRecommendation(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)

	rec, err := env.gate.Approve(ctx, id, "", "looks right", "ops-lead")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !rec.Approved || rec.SelectedID != "c1" || rec.Override || rec.Approver != "ops-lead" {
		t.Errorf("record = %+v", rec)
	}
	if rec.DecisionHash != DecisionHash(testDecision()) {
		t.Error("record not bound to the reviewed decision")
	}

	th, _ := env.threads.Get(ctx, id)
	if th.Status != models.ThreadStatusCompleted {
		t.Fatalf("Status = %q, want completed", th.Status)
	}
	var res models.Resolution
	if err := json.Unmarshal(th.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Selected == nil || res.Selected.ID != "c1" || res.Approval == nil {
		t.Errorf("result = %+v", res)
	}

	if d, _ := env.gate.Pending(ctx, id); d != nil {
		t.Error("Pending still returns a decision after approval")
	}
}

func TestGate_ApproveOverride(t *testing.T) {
	env := setupGate(t)
	id := env.paused(t)

	rec, err := env.gate.Approve(context.Background(), id, "c2", "ash cloud moving in", "ops-lead")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !rec.Override || rec.RecommendedID != "c1" || rec.SelectedID != "c2" {
		t.Errorf("record = %+v, want override c1 -> c2", rec)
	}
}

func TestGate_UnknownSolution(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)

	if _, err := env.gate.Approve(ctx, id, "c9", "", "ops"); !errors.Is(err, ErrUnknownSolution) {
		t.Errorf("Approve(c9) error = %v, want ErrUnknownSolution", err)
	}
	th, _ := env.threads.Get(ctx, id)
	if th.Status != models.ThreadStatusAwaitingApproval {
		t.Errorf("Status = %q after failed approve", th.Status)
	}
}

func TestGate_NotPending(t *testing.T) {
	env := setupGate(t)
	id, _ := env.threads.Create(context.Background(), nil)
	if _, err := env.gate.Approve(context.Background(), id, "", "", "ops"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Approve error = %v, want ErrNotPending", err)
	}
	if _, err := env.gate.Reject(context.Background(), id, "no", "ops"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Reject error = %v, want ErrNotPending", err)
	}
}

func TestGate_RejectThenApproveIsNoOp(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)

	first, err := env.gate.Reject(ctx, id, "crew unavailable", "ops-lead")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if first.Approved {
		t.Error("rejection recorded as approved")
	}

	second, err := env.gate.Approve(ctx, id, "c1", "changed my mind", "someone-else")
	if err != nil {
		t.Fatalf("second call error = %v, want existing record", err)
	}
	if second.Approved || second.Approver != "ops-lead" || second.Rationale != "crew unavailable" {
		t.Errorf("second call returned %+v, want the original rejection", second)
	}

	th, _ := env.threads.Get(ctx, id)
	if th.Status != models.ThreadStatusRejected || th.FailureReason != "crew unavailable" {
		t.Errorf("thread = %s / %q", th.Status, th.FailureReason)
	}
}

func TestGate_ConcurrentDecisionsWriteOneRecord(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)

	var wg sync.WaitGroup
	records := make(chan *models.ApprovalRecord, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var rec *models.ApprovalRecord
			var err error
			if i%2 == 0 {
				rec, err = env.gate.Approve(ctx, id, "", "", "approver")
			} else {
				rec, err = env.gate.Reject(ctx, id, "no", "rejecter")
			}
			if err != nil {
				t.Errorf("call %d failed: %v", i, err)
				return
			}
			records <- rec
		}(i)
	}
	wg.Wait()
	close(records)

	var first *models.ApprovalRecord
	for rec := range records {
		if first == nil {
			first = rec
			continue
		}
		if rec.Approved != first.Approved || rec.Approver != first.Approver || !rec.DecidedAt.Equal(first.DecidedAt) {
			t.Errorf("records differ: %+v vs %+v", rec, first)
		}
	}

	th, _ := env.threads.Get(ctx, id)
	want := models.ThreadStatusRejected
	if first.Approved {
		want = models.ThreadStatusCompleted
	}
	if th.Status != want {
		t.Errorf("Status = %q, want %q", th.Status, want)
	}
}

func TestGate_WaitWakesOnRecord(t *testing.T) {
	var hooked []models.ApprovalRecord
	var mu sync.Mutex
	env := setupGate(t, WithPollInterval(time.Hour), WithRecordHook(func(r models.ApprovalRecord) {
		mu.Lock()
		hooked = append(hooked, r)
		mu.Unlock()
	}))
	id := env.paused(t)

	done := make(chan *models.ApprovalRecord, 1)
	go func() {
		rec, err := env.gate.Wait(context.Background(), id)
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		done <- rec
	}()

	// Give Wait time to register before approving.
	time.Sleep(20 * time.Millisecond)
	if _, err := env.gate.Approve(context.Background(), id, "", "", "ops"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	select {
	case rec := <-done:
		if rec == nil || !rec.Approved {
			t.Errorf("Wait returned %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 {
		t.Errorf("record hook calls = %d, want 1", len(hooked))
	}
}

func TestGate_WaitReturnsExistingRecord(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id := env.paused(t)
	env.gate.Reject(ctx, id, "no", "ops")

	rec, err := env.gate.Wait(ctx, id)
	if err != nil || rec.Approved {
		t.Errorf("Wait = %+v, %v", rec, err)
	}
}

func TestGate_WaitHonorsContext(t *testing.T) {
	env := setupGate(t)
	id := env.paused(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := env.gate.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
}

func escalatedDecision() *models.Decision {
	return &models.Decision{
		Outcome:       models.OutcomeEscalated,
		FinalDecision: "escalate: 1 of 2 safety workers responded",
		Candidates: []models.Candidate{
			{ID: "c1", Source: "arbiter", Action: models.ActionEscalate, Summary: "escalate to human review", Recommended: true},
			{ID: "c2", Source: "network", Action: models.ActionDelay, Delay: 6 * time.Hour, Summary: "delay 6h"},
			{ID: "c3", Source: "arbiter", Action: models.ActionCancel, Summary: "cancel"},
		},
		Confidence: 0.2,
	}
}

func TestGate_EscalatedDecisionNeedsConcreteSolution(t *testing.T) {
	env := setupGate(t)
	ctx := context.Background()
	id, _ := env.threads.Create(ctx, nil)
	if err := env.gate.Pause(ctx, id, escalatedDecision()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if _, err := env.gate.Approve(ctx, id, "", "", "ops"); !errors.Is(err, ErrUnknownSolution) {
		t.Errorf("Approve without solution error = %v, want ErrUnknownSolution", err)
	}
	if _, err := env.gate.Approve(ctx, id, "c1", "", "ops"); !errors.Is(err, ErrUnknownSolution) {
		t.Errorf("Approve(c1 escalate) error = %v, want ErrUnknownSolution", err)
	}
	th, _ := env.threads.Get(ctx, id)
	if th.Status != models.ThreadStatusAwaitingApproval {
		t.Fatalf("Status = %q after refused approvals, want awaiting_approval", th.Status)
	}

	rec, err := env.gate.Approve(ctx, id, "c2", "crew confirmed", "ops")
	if err != nil {
		t.Fatalf("Approve(c2) failed: %v", err)
	}
	if rec.SelectedID != "c2" || !rec.Override {
		t.Errorf("record = %+v, want c2 override", rec)
	}
	th, _ = env.threads.Get(ctx, id)
	var res models.Resolution
	if err := json.Unmarshal(th.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Selected == nil || res.Selected.Action != models.ActionDelay {
		t.Errorf("selected = %+v, want the delay", res.Selected)
	}
}

func TestGate_RecordHookSeesTerminalThread(t *testing.T) {
	var env *testEnv
	statuses := make(chan models.ThreadStatus, 2)
	env = setupGate(t, WithRecordHook(func(r models.ApprovalRecord) {
		th, err := env.threads.Get(context.Background(), r.ThreadID)
		if err != nil {
			t.Errorf("Get in hook failed: %v", err)
			return
		}
		statuses <- th.Status
	}))
	ctx := context.Background()

	approved := env.paused(t)
	if _, err := env.gate.Approve(ctx, approved, "", "", "ops"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	rejected := env.paused(t)
	if _, err := env.gate.Reject(ctx, rejected, "crew unavailable", "ops"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if got := <-statuses; got != models.ThreadStatusCompleted {
		t.Errorf("status seen by hook after approve = %q, want completed", got)
	}
	if got := <-statuses; got != models.ThreadStatusRejected {
		t.Errorf("status seen by hook after reject = %q, want rejected", got)
	}
}
