package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClaimRun_SecondClaimIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if id == "" {
		t.Fatal("empty claim id")
	}

	if _, err := s.ClaimRun(ctx, "2025-03-01", time.Hour); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second ClaimRun err = %v, want ErrRunInProgress", err)
	}

	// Other dates are independent.
	if _, err := s.ClaimRun(ctx, "2025-03-02", time.Hour); err != nil {
		t.Fatalf("ClaimRun other date: %v", err)
	}
}

func TestClaimRun_FinishedClaimIsAlreadyProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if err := s.FinishClaim(ctx, "2025-03-01", id); err != nil {
		t.Fatalf("FinishClaim: %v", err)
	}

	if _, err := s.ClaimRun(ctx, "2025-03-01", time.Hour); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("ClaimRun err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestClaimRun_ReleasedClaimCanBeRetaken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if err := s.ReleaseClaim(ctx, "2025-03-01", id); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if _, err := s.ClaimRun(ctx, "2025-03-01", time.Hour); err != nil {
		t.Fatalf("ClaimRun after release: %v", err)
	}
}

func TestClaimRun_StaleClaimIsTakenOver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	s.now = func() time.Time { return past }
	oldID, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}

	s.now = func() time.Time { return time.Now().UTC() }
	newID, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("takeover ClaimRun: %v", err)
	}
	if newID == oldID {
		t.Error("takeover should issue a new claim id")
	}

	// The abandoned holder can no longer finish the date.
	if err := s.FinishClaim(ctx, "2025-03-01", oldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishClaim with stale id err = %v, want ErrNotFound", err)
	}
}

func TestOpenRun_CreatesPendingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.OpenRun(ctx, "2025-03-01", "R-42", 2, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if run.ID == "" {
		t.Error("run ID is empty")
	}
	if run.Status != RunPending {
		t.Errorf("Status = %q, want pending", run.Status)
	}
	if run.EntriesProcessed != 2 {
		t.Errorf("EntriesProcessed = %d, want 2", run.EntriesProcessed)
	}

	again, err := s.OpenRun(ctx, "2025-03-01", "R-42", 2, time.Hour)
	if err != nil {
		t.Fatalf("second OpenRun: %v", err)
	}
	if again.ID != run.ID {
		t.Errorf("second OpenRun returned id %q, want %q", again.ID, run.ID)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	done, err := s.HasCompletedRun(ctx, "2025-03-01")
	if err != nil {
		t.Fatalf("HasCompletedRun: %v", err)
	}
	if done {
		t.Error("HasCompletedRun = true before completion")
	}

	if err := s.MarkCompleted(ctx, run.ID, 4, ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.SuggestionsGenerated != 4 {
		t.Errorf("SuggestionsGenerated = %d, want 4", got.SuggestionsGenerated)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}

	done, err = s.HasCompletedRun(ctx, "2025-03-01")
	if err != nil {
		t.Fatalf("HasCompletedRun: %v", err)
	}
	if !done {
		t.Error("HasCompletedRun = false after completion")
	}

	// A completed row is immutable.
	if err := s.MarkFailed(ctx, run.ID, "late failure"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed on completed row err = %v, want ErrNotFound", err)
	}
	reopened, err := s.OpenRun(ctx, "2025-03-01", "R-1", 9, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun on completed row: %v", err)
	}
	if reopened.Status != RunCompleted || reopened.EntriesProcessed != 1 {
		t.Errorf("reopened completed row = %+v, want untouched", reopened)
	}
}

func TestOpenRun_ResetsFailedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 3, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkFailed(ctx, run.ID, "generator down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	failed, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if failed.Status != RunFailed || failed.ErrorMessage != "generator down" {
		t.Fatalf("failed row = %+v", failed)
	}

	retry, err := s.OpenRun(ctx, "2025-03-01", "R-1", 3, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun retry: %v", err)
	}
	if retry.ID != run.ID {
		t.Errorf("retry opened new row %q, want %q", retry.ID, run.ID)
	}
	if retry.Status != RunPending {
		t.Errorf("Status = %q, want pending", retry.Status)
	}
	if retry.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", retry.ErrorMessage)
	}
}

func TestOpenRun_LiveRunningRowIsInProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 2, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	if _, err := s.OpenRun(ctx, "2025-03-01", "R-1", 2, time.Hour); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("OpenRun on running row err = %v, want ErrRunInProgress", err)
	}
	if _, err := s.OpenRun(ctx, "2025-03-01", "R-1", 2, 0); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("OpenRun without lease err = %v, want ErrRunInProgress", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if err := s.MarkRunning(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second MarkRunning err = %v, want ErrNotFound", err)
	}
}

func TestOpenRun_AbandonedRunningRowIsReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	s.now = func() time.Time { return past }
	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 2, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	s.now = func() time.Time { return time.Now().UTC() }
	reopened, err := s.OpenRun(ctx, "2025-03-01", "R-1", 3, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun on abandoned row: %v", err)
	}
	if reopened.ID != run.ID || reopened.Status != RunPending || reopened.EntriesProcessed != 3 {
		t.Errorf("reopened = %+v, want same row reset to pending with 3 entries", reopened)
	}
}

func TestRenewClaim_KeepsClaimAndRowsAlive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	s.now = func() time.Time { return past }
	claimID, err := s.ClaimRun(ctx, "2025-03-01", time.Hour)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	s.now = func() time.Time { return time.Now().UTC() }
	if err := s.RenewClaim(ctx, "2025-03-01", claimID); err != nil {
		t.Fatalf("RenewClaim: %v", err)
	}

	if _, err := s.ClaimRun(ctx, "2025-03-01", time.Hour); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("ClaimRun after renew err = %v, want ErrRunInProgress", err)
	}
	if _, err := s.OpenRun(ctx, "2025-03-01", "R-1", 1, time.Hour); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("OpenRun after renew err = %v, want ErrRunInProgress", err)
	}

	if err := s.RenewClaim(ctx, "2025-03-01", "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RenewClaim with foreign id err = %v, want ErrNotFound", err)
	}
}

func TestMarkCompleted_KeepsPartialErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.OpenRun(ctx, "2025-03-01", "R-1", 2, time.Hour)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := s.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkCompleted(ctx, run.ID, 1, "1 error occurred"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ErrorMessage != "1 error occurred" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, rel := range []string{"R-b", "R-a"} {
		if _, err := s.OpenRun(ctx, "2025-03-01", rel, 1, time.Hour); err != nil {
			t.Fatalf("OpenRun %s: %v", rel, err)
		}
	}
	if _, err := s.OpenRun(ctx, "2025-03-02", "R-c", 1, time.Hour); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, "2025-03-01")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RelationshipID != "R-a" || runs[1].RelationshipID != "R-b" {
		t.Errorf("runs not ordered by relationship: %s, %s", runs[0].RelationshipID, runs[1].RelationshipID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
