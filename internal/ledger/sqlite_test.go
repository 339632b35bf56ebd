package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newUserID returns a fresh user id so tests sharing the in-memory database never collide.
func newUserID() string {
	return "user-" + uuid.New().String()
}

// grant is a helper that credits a user and fails the test on error.
func grant(t *testing.T, s Store, userID string, amount int, paymentID string) {
	t.Helper()
	_, err := s.AddCredits(context.Background(), CreditGrant{
		UserID:      userID,
		Amount:      amount,
		Description: "test grant",
		PaymentID:   paymentID,
	})
	if err != nil {
		t.Fatalf("AddCredits(%s, %d): %v", userID, amount, err)
	}
}

func TestSQLiteMigrationIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestProfileUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()

	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected no profile, got %+v", p)
	}

	if err := s.UpsertProfile(ctx, &Profile{UserID: userID, BusinessType: "bakery", BusinessDescription: "sourdough"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(ctx, &Profile{UserID: userID, BusinessType: "cafe", BusinessDescription: "espresso"}); err != nil {
		t.Fatal(err)
	}

	p, err = s.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if p.BusinessType != "cafe" || p.BusinessDescription != "espresso" {
		t.Errorf("profile not updated: %+v", p)
	}
}

func TestCalendarUpsertCreatesThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()

	cal, err := s.GetCalendar(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if cal != nil {
		t.Fatalf("expected nil calendar, got %s", cal)
	}

	first := json.RawMessage(`{"events":[{"day":"mon","post":"launch"}]}`)
	if err := s.UpsertCalendar(ctx, userID, first); err != nil {
		t.Fatal(err)
	}
	cal, err = s.GetCalendar(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if string(cal) != string(first) {
		t.Errorf("calendar: got %s, want %s", cal, first)
	}

	second := json.RawMessage(`{"events":[]}`)
	if err := s.UpsertCalendar(ctx, userID, second); err != nil {
		t.Fatal(err)
	}
	cal, err = s.GetCalendar(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if string(cal) != string(second) {
		t.Errorf("calendar after update: got %s, want %s", cal, second)
	}

	// Writing the calendar must not clobber business details and vice versa.
	if err := s.UpsertProfile(ctx, &Profile{UserID: userID, BusinessType: "gym"}); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Calendar) != string(second) || p.BusinessType != "gym" {
		t.Errorf("profile after mixed upserts: %+v", p)
	}
}

func TestBalanceAndDeduct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()

	bal, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 0 {
		t.Fatalf("new user balance: got %d, want 0", bal)
	}

	grant(t, s, userID, 10, "")
	tx, err := s.DeductCredits(ctx, userID, 3, "ad-copy")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Amount != -3 || tx.Status != TxCompleted {
		t.Errorf("debit: got %+v", tx)
	}

	bal, _ = s.Balance(ctx, userID)
	if bal != 7 {
		t.Errorf("balance: got %d, want 7", bal)
	}

	_, err = s.DeductCredits(ctx, userID, 8, "banner")
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ice.Required != 8 || ice.Available != 7 {
		t.Errorf("error detail: got %+v", ice)
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Error("error should match ErrInsufficientCredits")
	}

	bal, _ = s.Balance(ctx, userID)
	if bal != 7 {
		t.Errorf("failed debit changed balance: got %d, want 7", bal)
	}

	if _, err := s.DeductCredits(ctx, userID, 0, "noop"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero debit: got %v, want ErrInvalidAmount", err)
	}
	if _, err := s.AddCredits(ctx, CreditGrant{UserID: userID, Amount: -1}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative grant: got %v, want ErrInvalidAmount", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()
	grant(t, s, userID, 10, "")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductCredits(ctx, userID, 3, "concurrent"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("successful debits: got %d, want 3", succeeded)
	}
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 1 {
		t.Errorf("balance: got %d, want 1", bal)
	}
}

func TestDuplicatePaymentCreditsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()
	paymentID := "cs_test_" + uuid.New().String()

	grant(t, s, userID, 40, paymentID)
	_, err := s.AddCredits(ctx, CreditGrant{UserID: userID, Amount: 40, PaymentID: paymentID})
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("second grant: got %v, want ErrDuplicatePayment", err)
	}

	// Grants without a payment id are never deduplicated.
	grant(t, s, userID, 5, "")
	grant(t, s, userID, 5, "")

	bal, _ := s.Balance(ctx, userID)
	if bal != 50 {
		t.Errorf("balance: got %d, want 50", bal)
	}

	txs, err := s.ListTransactions(ctx, userID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("transactions: got %d, want 3", len(txs))
	}
}

func TestRecordGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()
	grant(t, s, userID, 5, "")

	gen := &Generation{
		UserID: userID,
		ToolID: "headline",
		Input:  json.RawMessage(`{"prompt":"spring sale"}`),
		Result: json.RawMessage(`{"text":"Spring into savings"}`),
		Status: GenCompleted,
		Cost:   2,
	}
	debit, err := s.RecordGeneration(ctx, gen)
	if err != nil {
		t.Fatal(err)
	}
	if debit == nil || debit.Amount != -2 {
		t.Fatalf("debit: got %+v", debit)
	}
	if gen.ID == "" {
		t.Fatal("generation id not assigned")
	}

	got, err := s.GetGeneration(ctx, gen.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ToolID != "headline" || got.Cost != 2 || got.Status != GenCompleted {
		t.Errorf("generation: got %+v", got)
	}
	if string(got.Result) != `{"text":"Spring into savings"}` {
		t.Errorf("result: got %s", got.Result)
	}

	// An unaffordable generation writes neither the record nor the debit.
	expensive := &Generation{UserID: userID, ToolID: "banner", Status: GenCompleted, Cost: 5}
	if _, err := s.RecordGeneration(ctx, expensive); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expensive generation: got %v, want ErrInsufficientCredits", err)
	}
	if _, err := s.GetGeneration(ctx, expensive.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected generation was stored: %v", err)
	}
	bal, _ := s.Balance(ctx, userID)
	if bal != 3 {
		t.Errorf("balance: got %d, want 3", bal)
	}

	// Zero-cost records need no credit.
	free := &Generation{UserID: newUserID(), ToolID: "image-ad", Status: GenFailed}
	debit, err = s.RecordGeneration(ctx, free)
	if err != nil {
		t.Fatal(err)
	}
	if debit != nil {
		t.Errorf("zero-cost generation produced a debit: %+v", debit)
	}
}

func TestListGenerationsNewestFirstCapped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newUserID()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < MaxListLimit+5; i++ {
		toolID := "ad-copy"
		if i%2 == 1 {
			toolID = "hashtags"
		}
		gen := &Generation{
			UserID:    userID,
			ToolID:    toolID,
			Status:    GenCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}
	}

	gens, err := s.ListGenerations(ctx, GenerationFilter{UserID: userID, Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != MaxListLimit {
		t.Fatalf("list length: got %d, want %d", len(gens), MaxListLimit)
	}
	for i := 1; i < len(gens); i++ {
		if gens[i].CreatedAt.After(gens[i-1].CreatedAt) {
			t.Fatalf("not newest first at %d: %v after %v", i, gens[i].CreatedAt, gens[i-1].CreatedAt)
		}
	}

	filtered, err := s.ListGenerations(ctx, GenerationFilter{UserID: userID, ToolID: "hashtags", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 3 {
		t.Fatalf("filtered length: got %d, want 3", len(filtered))
	}
	for _, g := range filtered {
		if g.ToolID != "hashtags" {
			t.Errorf("filter leaked tool %q", g.ToolID)
		}
	}

	other, err := s.ListGenerations(ctx, GenerationFilter{UserID: newUserID()})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("other user sees %d generations", len(other))
	}
}

func TestGetGenerationNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetGeneration(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
