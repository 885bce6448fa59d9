package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/blobstore"
	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/internal/platform/db/dbtest"
)

func newPGChat(t *testing.T) (*pgxpool.Pool, *Service, *consultation.Appointment) {
	t.Helper()
	pool := dbtest.Pool(t)
	a := &consultation.Appointment{
		PatientID:                uuid.New(),
		ClinicianID:              uuid.New(),
		PreConsultationCompleted: true,
	}
	if err := consultation.NewAppointmentRepoPG(pool).Create(context.Background(), a); err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	svc := NewService(NewMessageRepoPG(pool), db.NewTxRunner(pool), blobstore.NewInMemoryBlobStore(), &capturePublisher{}, zerolog.Nop())
	return pool, svc, a
}

func TestRepoPG_ListOrderIsStable(t *testing.T) {
	_, svc, a := newPGChat(t)
	ctx := context.Background()

	const posts = 20
	var wg sync.WaitGroup
	errs := make([]error, posts)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := patient(a)
			if i%2 == 1 {
				sender = clinician(a)
			}
			_, errs[i] = svc.PostMessage(ctx, a.ID, sender, strPtr(fmt.Sprintf("message %d", i)), nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	items, total, err := svc.ListMessages(ctx, a.ID, patient(a), ListFilter{}, 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != posts || len(items) != posts {
		t.Fatalf("expected %d messages, got %d (total %d)", posts, len(items), total)
	}
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || cur.Seq <= prev.Seq {
			t.Fatalf("message %d out of order: %v/%d after %v/%d", i, cur.CreatedAt, cur.Seq, prev.CreatedAt, prev.Seq)
		}
	}

	again, _, err := svc.ListMessages(ctx, a.ID, clinician(a), ListFilter{}, 100, 0)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	for i := range items {
		if items[i].ID != again[i].ID {
			t.Fatal("order is not stable across reads")
		}
	}

	page, _, err := svc.ListMessages(ctx, a.ID, patient(a), ListFilter{}, 5, 5)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	for i := range page {
		if page[i].ID != items[5+i].ID {
			t.Fatalf("page entry %d does not match the full listing", i)
		}
	}
}

func TestRepoPG_AfterSeqAndSince(t *testing.T) {
	_, svc, a := newPGChat(t)
	ctx := context.Background()

	var posted []*Message
	for _, body := range []string{"one", "two", "three"} {
		msg, err := svc.PostMessage(ctx, a.ID, patient(a), strPtr(body), nil)
		if err != nil {
			t.Fatalf("post %s: %v", body, err)
		}
		posted = append(posted, msg)
	}

	after := posted[0].Seq
	items, total, err := svc.ListMessages(ctx, a.ID, clinician(a), ListFilter{AfterSeq: &after}, 20, 0)
	if err != nil {
		t.Fatalf("list after seq: %v", err)
	}
	if total != 2 || items[0].ID != posted[1].ID || items[1].ID != posted[2].ID {
		t.Errorf("expected the two later messages, got %d", total)
	}

	since := posted[1].CreatedAt
	items, total, err = svc.ListMessages(ctx, a.ID, clinician(a), ListFilter{Since: &since, AfterSeq: &after}, 20, 0)
	if err != nil {
		t.Fatalf("list with both filters: %v", err)
	}
	if total != 1 || items[0].ID != posted[2].ID {
		t.Errorf("expected only the last message, got %d", total)
	}
}

func TestRepoPG_EmptyMessageRejected(t *testing.T) {
	pool, _, a := newPGChat(t)
	_, err := pool.Exec(context.Background(), `
		INSERT INTO chat_message (appointment_id, sender_id, sender_role)
		VALUES ($1, $2, 'patient')`, a.ID, a.PatientID)
	if err == nil {
		t.Fatal("expected the content check to reject a message without body or attachment")
	}
}
