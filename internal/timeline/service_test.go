package timeline

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestCreateAndLookupByIdempotencyKey(t *testing.T) {
	svc := newTestService(t)

	req := &Request{
		RequestID:      "req-1",
		IdempotencyKey: "evt-abc",
		BotID:          "support",
		ConversationID: "conv-1",
		ActorID:        "user-9",
		ContentIn:      "hello",
	}
	if err := svc.CreateRequest(req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := svc.GetByIdempotencyKey("evt-abc")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got == nil || got.RequestID != "req-1" {
		t.Fatalf("expected req-1, got %+v", got)
	}
	if got.Status != StatusAccepted {
		t.Errorf("expected accepted status, got %q", got.Status)
	}

	missing, err := svc.GetByIdempotencyKey("evt-unknown")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey miss: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown key, got %+v", missing)
	}
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	svc := newTestService(t)

	if err := svc.CreateRequest(&Request{RequestID: "req-1", IdempotencyKey: "dup", BotID: "b", ConversationID: "c"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := svc.CreateRequest(&Request{RequestID: "req-2", IdempotencyKey: "dup", BotID: "b", ConversationID: "c"}); err == nil {
		t.Fatal("expected unique constraint error for duplicate idempotency key")
	}
}

func TestEmptyIdempotencyKeyNotUnique(t *testing.T) {
	svc := newTestService(t)

	// Events without keys must never collide with each other.
	for _, id := range []string{"req-1", "req-2"} {
		if err := svc.CreateRequest(&Request{RequestID: id, BotID: "b", ConversationID: "c"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestCompleteAndDelivery(t *testing.T) {
	svc := newTestService(t)

	if err := svc.CreateRequest(&Request{RequestID: "req-1", IdempotencyKey: "k1", BotID: "b", ConversationID: "c"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.UpdateStatus("req-1", StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.Complete("req-1", StatusCompleted, "success", "all done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := svc.UpdateDelivery("req-1", DeliverySent); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}

	got, err := svc.GetByIdempotencyKey("k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != StatusCompleted || got.Outcome != "success" {
		t.Errorf("unexpected terminal state: status=%q outcome=%q", got.Status, got.Outcome)
	}
	if got.ContentOut != "all done" {
		t.Errorf("unexpected content_out %q", got.ContentOut)
	}
	if got.DeliveryStatus != DeliverySent {
		t.Errorf("unexpected delivery status %q", got.DeliveryStatus)
	}
}

func TestMilestonesOrderedAndDeduplicated(t *testing.T) {
	svc := newTestService(t)

	now := time.Now()
	if err := svc.AddMilestone("req-1", "started", 1, now); err != nil {
		t.Fatalf("AddMilestone: %v", err)
	}
	if err := svc.AddMilestone("req-1", "using-tool:search", 2, now); err != nil {
		t.Fatalf("AddMilestone: %v", err)
	}
	// Same kind again is ignored, not an error.
	if err := svc.AddMilestone("req-1", "started", 3, now); err != nil {
		t.Fatalf("AddMilestone duplicate kind: %v", err)
	}

	got, err := svc.Milestones("req-1")
	if err != nil {
		t.Fatalf("Milestones: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(got))
	}
	if got[0].Kind != "started" || got[1].Kind != "using-tool:search" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("sequence not increasing: %d then %d", got[0].Seq, got[1].Seq)
	}
}
