package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDoc(id string) Document {
	return Document{
		ID:           id,
		EmployeeName: "Jane Doe",
		EmployeeID:   "EMP001",
		DocType:      "payslip",
		Period:       "2026-07",
		ListingPage:  1,
		RowIndex:     0,
		FileName:     "EMP001_Jane_Doe_payslip_2026-07",
	}
}

func TestUpsertDiscovered_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := testDoc("EMP001_payslip_2026-07")
	for i := 0; i < 3; i++ {
		if err := store.UpsertDiscovered(ctx, doc); err != nil {
			t.Fatalf("UpsertDiscovered() error = %v", err)
		}
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Total() != 1 {
		t.Errorf("Total() = %d, want 1 (no duplicates by identifier)", snap.Total())
	}
}

func TestUpsertDiscovered_UpdatesMetadataKeepsStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := testDoc("doc-1")
	if err := store.UpsertDiscovered(ctx, doc); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}

	claimed, err := store.ClaimNextPending(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := store.MarkDownloading(ctx, claimed.ID); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.MarkSucceeded(ctx, claimed.ID, "/tmp/out.pdf"); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	// Re-discovery refreshes metadata but never moves status backward.
	doc.EmployeeName = "Jane Q. Doe"
	if err := store.UpsertDiscovered(ctx, doc); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}

	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q after re-discovery", got.Status, StatusSucceeded)
	}
	if got.EmployeeName != "Jane Q. Doe" {
		t.Errorf("EmployeeName = %q, want updated metadata", got.EmployeeName)
	}
}

func TestClaimNextPending_Empty(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.ClaimNextPending(context.Background(), "worker-1")
	if !errors.Is(err, ErrNoPending) {
		t.Fatalf("ClaimNextPending() error = %v, want ErrNoPending", err)
	}
}

func TestClaimNextPending_AtMostOneWinner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const docs = 20
	const workers = 8
	for i := 0; i < docs; i++ {
		if err := store.UpsertDiscovered(ctx, testDoc(fmt.Sprintf("doc-%03d", i))); err != nil {
			t.Fatalf("UpsertDiscovered() error = %v", err)
		}
	}

	var mu sync.Mutex
	claimedBy := map[string]string{}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				doc, err := store.ClaimNextPending(ctx, workerID)
				if errors.Is(err, ErrNoPending) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNextPending() error = %v", err)
					return
				}
				mu.Lock()
				if prev, dup := claimedBy[doc.ID]; dup {
					t.Errorf("document %s claimed by both %s and %s", doc.ID, prev, workerID)
				}
				claimedBy[doc.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimedBy) != docs {
		t.Errorf("claimed %d documents, want %d", len(claimedBy), docs)
	}
}

func TestStatusTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertDiscovered(ctx, testDoc("doc-1")); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}

	doc, err := store.ClaimNextPending(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if doc.Status != StatusClaimed {
		t.Errorf("Status = %q, want %q", doc.Status, StatusClaimed)
	}
	if doc.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", doc.WorkerID)
	}

	if err := store.MarkDownloading(ctx, doc.ID); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.RecordAttempt(ctx, doc.ID); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if err := store.MarkSucceeded(ctx, doc.ID, "/out/file.pdf"); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, StatusSucceeded)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.FilePath != "/out/file.pdf" {
		t.Errorf("FilePath = %q, want /out/file.pdf", got.FilePath)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
}

func TestMarkFailedRetryable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	const maxAttempts = 3

	if err := store.UpsertDiscovered(ctx, testDoc("doc-1")); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}

	// Attempts below the budget revert to pending; the last one finalizes.
	for cycle := 1; cycle <= maxAttempts; cycle++ {
		doc, err := store.ClaimNextPending(ctx, "worker-1")
		if err != nil {
			t.Fatalf("cycle %d: ClaimNextPending() error = %v", cycle, err)
		}
		if err := store.MarkDownloading(ctx, doc.ID); err != nil {
			t.Fatalf("cycle %d: MarkDownloading() error = %v", cycle, err)
		}
		if err := store.RecordAttempt(ctx, doc.ID); err != nil {
			t.Fatalf("cycle %d: RecordAttempt() error = %v", cycle, err)
		}

		status, err := store.MarkFailedRetryable(ctx, doc.ID, errors.New("timeout"), maxAttempts)
		if err != nil {
			t.Fatalf("cycle %d: MarkFailedRetryable() error = %v", cycle, err)
		}

		want := StatusPending
		if cycle == maxAttempts {
			want = StatusFailedPermanent
		}
		if status != want {
			t.Errorf("cycle %d: status = %q, want %q", cycle, status, want)
		}
	}

	got, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Attempts != maxAttempts {
		t.Errorf("Attempts = %d, want exactly %d", got.Attempts, maxAttempts)
	}
	if got.LastError != "timeout" {
		t.Errorf("LastError = %q, want %q", got.LastError, "timeout")
	}
}

func TestResetInFlight(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.UpsertDiscovered(ctx, testDoc(fmt.Sprintf("doc-%d", i))); err != nil {
			t.Fatalf("UpsertDiscovered() error = %v", err)
		}
	}

	// Simulate a crash with one claimed and one downloading document.
	a, _ := store.ClaimNextPending(ctx, "worker-1")
	b, _ := store.ClaimNextPending(ctx, "worker-2")
	if err := store.MarkDownloading(ctx, b.ID); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.RecordAttempt(ctx, b.ID); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	n, err := store.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("ResetInFlight() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ResetInFlight() = %d rows, want 2", n)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if got.Status != StatusPending {
			t.Errorf("%s: Status = %q, want %q", id, got.Status, StatusPending)
		}
		if got.WorkerID != "" {
			t.Errorf("%s: WorkerID = %q, want cleared", id, got.WorkerID)
		}
	}

	// The interrupted attempt is handed back to the budget.
	got, _ := store.Get(ctx, b.ID)
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after reset", got.Attempts)
	}
}

func TestRequeue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertDiscovered(ctx, testDoc("doc-1")); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}
	doc, _ := store.ClaimNextPending(ctx, "worker-1")
	if err := store.MarkDownloading(ctx, doc.ID); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.RecordAttempt(ctx, doc.ID); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	if err := store.Requeue(ctx, doc.ID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	got, _ := store.Get(ctx, doc.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (expiry does not burn budget)", got.Attempts)
	}
}

func TestPageProgress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LoadPageProgress(ctx); err != nil || ok {
		t.Fatalf("LoadPageProgress() = ok=%v err=%v, want no cursor", ok, err)
	}

	if err := store.SavePageProgress(ctx, 4); err != nil {
		t.Fatalf("SavePageProgress() error = %v", err)
	}
	page, ok, err := store.LoadPageProgress(ctx)
	if err != nil {
		t.Fatalf("LoadPageProgress() error = %v", err)
	}
	if !ok || page != 4 {
		t.Errorf("LoadPageProgress() = (%d, %v), want (4, true)", page, ok)
	}

	if err := store.ClearDiscoveryProgress(ctx); err != nil {
		t.Fatalf("ClearDiscoveryProgress() error = %v", err)
	}
	if _, ok, _ := store.LoadPageProgress(ctx); ok {
		t.Error("cursor survived ClearDiscoveryProgress")
	}
}

func TestDiscoveryCompleteFlag(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	done, err := store.DiscoveryComplete(ctx)
	if err != nil || done {
		t.Fatalf("DiscoveryComplete() = (%v, %v), want (false, nil)", done, err)
	}
	if err := store.SetDiscoveryComplete(ctx); err != nil {
		t.Fatalf("SetDiscoveryComplete() error = %v", err)
	}
	done, err = store.DiscoveryComplete(ctx)
	if err != nil || !done {
		t.Fatalf("DiscoveryComplete() = (%v, %v), want (true, nil)", done, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	ctx := context.Background()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.UpsertDiscovered(ctx, testDoc("doc-1")); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}
	doc, _ := store.ClaimNextPending(ctx, "worker-1")
	if err := store.MarkDownloading(ctx, doc.ID); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.SavePageProgress(ctx, 2); err != nil {
		t.Fatalf("SavePageProgress() error = %v", err)
	}
	store.Close() // simulated crash: in-flight row left behind

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	defer reopened.Close()

	if n, err := reopened.ResetInFlight(ctx); err != nil || n != 1 {
		t.Fatalf("ResetInFlight() = (%d, %v), want (1, nil)", n, err)
	}
	got, err := reopened.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q after restart", got.Status, StatusPending)
	}
	page, ok, _ := reopened.LoadPageProgress(ctx)
	if !ok || page != 2 {
		t.Errorf("LoadPageProgress() = (%d, %v), want (2, true)", page, ok)
	}
}

func TestSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := store.UpsertDiscovered(ctx, testDoc(fmt.Sprintf("doc-%d", i))); err != nil {
			t.Fatalf("UpsertDiscovered() error = %v", err)
		}
	}

	// doc-0 succeeds, doc-1 fails permanently, doc-2/doc-3 stay pending.
	a, _ := store.ClaimNextPending(ctx, "w1")
	store.MarkDownloading(ctx, a.ID)
	store.MarkSucceeded(ctx, a.ID, "/out/a.pdf")

	b, _ := store.ClaimNextPending(ctx, "w1")
	store.MarkDownloading(ctx, b.ID)
	if err := store.MarkFailedPermanent(ctx, b.ID, errors.New("no download control")); err != nil {
		t.Fatalf("MarkFailedPermanent() error = %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Succeeded != 1 || snap.FailedPermanent != 1 || snap.Pending != 2 {
		t.Errorf("Snapshot = %+v, want succeeded=1 failed=1 pending=2", snap)
	}
	if len(snap.Failed) != 1 || snap.Failed[0].ID != b.ID {
		t.Fatalf("Failed = %v, want exactly %s", snap.Failed, b.ID)
	}
	if snap.Failed[0].LastError != "no download control" {
		t.Errorf("LastError = %q, want the recorded cause", snap.Failed[0].LastError)
	}
}

func TestReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertDiscovered(ctx, testDoc("doc-1")); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}
	if err := store.SavePageProgress(ctx, 3); err != nil {
		t.Fatalf("SavePageProgress() error = %v", err)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	snap, _ := store.Snapshot(ctx)
	if snap.Total() != 0 {
		t.Errorf("Total() = %d after reset, want 0", snap.Total())
	}
	if _, ok, _ := store.LoadPageProgress(ctx); ok {
		t.Error("page cursor survived reset")
	}
}

func TestRunMeta(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	want := RunMeta{RunID: "run-1", System: "adp_vantage", OutputDir: "/out", StartedAt: started}
	if err := store.SetRunMeta(ctx, want); err != nil {
		t.Fatalf("SetRunMeta() error = %v", err)
	}

	got, err := store.RunMeta(ctx)
	if err != nil {
		t.Fatalf("RunMeta() error = %v", err)
	}
	if got.RunID != want.RunID || got.System != want.System || got.OutputDir != want.OutputDir {
		t.Errorf("RunMeta() = %+v, want %+v", got, want)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
}
