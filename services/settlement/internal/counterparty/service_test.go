package counterparty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage/memory"
)

var cheapPIN = PINParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T) (*Service, *memory.Store, *clock) {
	t.Helper()
	store := memory.New()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, Config{PIN: cheapPIN, TemporaryTTL: time.Hour}, nil).WithClock(clk.now)
	return svc, store, clk
}

func TestPINHashVerify(t *testing.T) {
	hash, err := HashPIN("123456", cheapPIN)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ok, err := VerifyPIN("123456", hash); err != nil || !ok {
		t.Fatalf("expected pin to verify, ok=%v err=%v", ok, err)
	}
	if ok, _ := VerifyPIN("654321", hash); ok {
		t.Fatalf("expected wrong pin to fail")
	}
	if _, err := VerifyPIN("123456", "plain"); err == nil {
		t.Fatalf("expected malformed hash error")
	}
}

func TestValidPIN(t *testing.T) {
	for pin, want := range map[string]bool{"123456": true, "000000": true, "12345": false, "1234567": false, "12a456": false, "": false} {
		if got := ValidPIN(pin); got != want {
			t.Fatalf("ValidPIN(%q) = %v", pin, got)
		}
	}
}

func TestIdentifyProvisionsThenVerifies(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Identify(ctx, Contact{Email: " Ada@Example.com "}, "123456")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !first.Provisioned || !first.Counterparty.Temporary || first.Counterparty.Email != "ada@example.com" {
		t.Fatalf("unexpected provisioned record %+v", first)
	}

	again, err := svc.Identify(ctx, Contact{Email: "ada@example.com"}, "123456")
	if err != nil {
		t.Fatalf("identify again: %v", err)
	}
	if again.Provisioned || again.Counterparty.ID != first.Counterparty.ID {
		t.Fatalf("expected existing record, got %+v", again)
	}
}

func TestIdentifyRejectsBadInput(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Identify(ctx, Contact{}, "123456"); !errors.Is(err, ErrContactRequired) {
		t.Fatalf("expected contact required, got %v", err)
	}
	if _, err := svc.Identify(ctx, Contact{Phone: "+2348000000000"}, "12ab56"); !errors.Is(err, ErrPINFormat) {
		t.Fatalf("expected pin format error, got %v", err)
	}
}

func TestIdentifyLocksAfterRepeatedFailures(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	contact := Contact{Phone: "+2348000000000"}

	if _, err := svc.Identify(ctx, contact, "123456"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := svc.Identify(ctx, contact, "000000"); !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("attempt %d: expected invalid pin, got %v", i+1, err)
		}
	}
	if _, err := svc.Identify(ctx, contact, "000000"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected lock on fifth failure, got %v", err)
	}
	if _, err := svc.Identify(ctx, contact, "123456"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected correct pin to be refused while locked, got %v", err)
	}

	clk.advance(31 * time.Minute)
	id, err := svc.Identify(ctx, contact, "123456")
	if err != nil {
		t.Fatalf("expected unlock after lock window, got %v", err)
	}
	stored, _ := store.FindCounterparty(ctx, "", contact.Phone)
	if stored.FailedAttempts != 0 || stored.LockedUntil != nil || stored.ID != id.Counterparty.ID {
		t.Fatalf("expected counters reset, got %+v", stored)
	}
}

func TestConcurrentWrongPINsLockOnce(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	contact := Contact{Phone: "+2348000000001"}

	if _, err := svc.Identify(ctx, contact, "123456"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	const callers = 12
	errs := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Identify(ctx, contact, "000000")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var invalid, locked int
	for err := range errs {
		switch {
		case errors.Is(err, ErrInvalidPIN):
			invalid++
		case errors.Is(err, ErrLocked):
			locked++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if invalid != 4 || locked != callers-4 {
		t.Fatalf("expected 4 invalid and %d locked, got %d and %d", callers-4, invalid, locked)
	}

	stored, err := store.FindCounterparty(ctx, "", contact.Phone)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.LockedUntil == nil || stored.FailedAttempts != 0 {
		t.Fatalf("expected record locked with counter reset, got %+v", stored)
	}
	if _, err := svc.Identify(ctx, contact, "123456"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected correct pin refused while locked, got %v", err)
	}
}

func TestIdentifySuccessResetsFailures(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	contact := Contact{Email: "bo@example.com"}

	svc.Identify(ctx, contact, "123456")
	svc.Identify(ctx, contact, "111111")
	svc.Identify(ctx, contact, "111111")
	if _, err := svc.Identify(ctx, contact, "123456"); err != nil {
		t.Fatalf("identify: %v", err)
	}
	stored, _ := store.FindCounterparty(ctx, contact.Email, "")
	if stored.FailedAttempts != 0 {
		t.Fatalf("expected failures reset, got %d", stored.FailedAttempts)
	}
}

func TestIdentifyReprovisionsExpiredTemporary(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	contact := Contact{Email: "cy@example.com"}

	first, _ := svc.Identify(ctx, contact, "123456")
	clk.advance(2 * time.Hour)

	// a new PIN is accepted once the temporary record has lapsed
	again, err := svc.Identify(ctx, contact, "999999")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !again.Provisioned || again.Counterparty.ID != first.Counterparty.ID {
		t.Fatalf("expected re-provisioned record, got %+v", again)
	}
	if _, err := svc.Identify(ctx, contact, "999999"); err != nil {
		t.Fatalf("expected new pin to verify, got %v", err)
	}
}

func TestDeactivatedTemporaryIsReprovisioned(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	contact := Contact{Email: "di@example.com"}

	first, _ := svc.Identify(ctx, contact, "123456")
	if err := svc.Deactivate(ctx, first.Counterparty.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := svc.Deactivate(ctx, first.Counterparty.ID); err != nil {
		t.Fatalf("deactivate twice: %v", err)
	}
	stored, _ := store.FindCounterparty(ctx, contact.Email, "")
	if stored.Active {
		t.Fatalf("expected inactive record")
	}

	again, err := svc.Identify(ctx, contact, "123456")
	if err != nil || !again.Provisioned || !again.Counterparty.Active {
		t.Fatalf("expected re-provisioned active record, got %+v err=%v", again, err)
	}
}

func TestEnsureWalletsIsIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Identify(ctx, Contact{Email: "ed@example.com"}, "123456")
	pair := storage.Pair{Base: "USDT", Quote: "NGN"}

	first, err := svc.EnsureWallets(ctx, id.Counterparty.ID, pair)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureWallets(ctx, id.Counterparty.ID, pair)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.Base.ID != second.Base.ID || first.Quote.ID != second.Quote.ID {
		t.Fatalf("expected the same wallets on repeat")
	}
	send, receive := second.ForSide(storage.SideSell)
	if send.Currency != "NGN" || receive.Currency != "USDT" {
		t.Fatalf("unexpected SELL legs %s -> %s", send.Currency, receive.Currency)
	}
}
