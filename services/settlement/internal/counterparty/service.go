// Package counterparty identifies the people filling anonymous orders. A
// counterparty is a lightweight record keyed by contact details and gated by
// a six digit PIN.
package counterparty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
)

var (
	ErrContactRequired = errors.New("email or phone required")
	ErrPINFormat       = errors.New("pin must be 6 digits")
	ErrInvalidPIN      = errors.New("invalid pin")
	ErrLocked          = errors.New("counterparty locked")
	ErrInactive        = errors.New("counterparty inactive")
)

type Config struct {
	MaxFailures  int
	LockDuration time.Duration
	// TemporaryTTL is how long a provisioned record stays usable before it
	// must be provisioned again.
	TemporaryTTL time.Duration
	PIN          PINParams
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:  5,
		LockDuration: 30 * time.Minute,
		TemporaryTTL: 24 * time.Hour,
		PIN:          DefaultPINParams(),
	}
}

type Contact struct {
	Email string
	Phone string
}

func (c Contact) normalize() Contact {
	return Contact{
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Phone: strings.TrimSpace(c.Phone),
	}
}

type Identity struct {
	Counterparty storage.Counterparty
	// Provisioned is set when the record was created or re-provisioned by
	// this call.
	Provisioned bool
}

type Wallets struct {
	Base  storage.Wallet
	Quote storage.Wallet
}

// ForSide returns the wallet the counterparty pays from and the one it is
// paid into when filling an order of side.
func (w Wallets) ForSide(side storage.OrderSide) (send, receive storage.Wallet) {
	if side == storage.SideSell {
		return w.Quote, w.Base
	}
	return w.Base, w.Quote
}

type Service struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = defaults.LockDuration
	}
	if cfg.TemporaryTTL <= 0 {
		cfg.TemporaryTTL = defaults.TemporaryTTL
	}
	if cfg.PIN.KeyLength == 0 {
		cfg.PIN = defaults.PIN
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "counterparty"),
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Identify matches contact to an existing record and verifies pin, or
// provisions a temporary record protected by pin. Failed attempts are
// counted; reaching the limit locks the record for the lock duration.
func (s *Service) Identify(ctx context.Context, contact Contact, pin string) (Identity, error) {
	contact = contact.normalize()
	if contact.Email == "" && contact.Phone == "" {
		return Identity{}, ErrContactRequired
	}
	if !ValidPIN(pin) {
		return Identity{}, ErrPINFormat
	}

	existing, err := s.store.FindCounterparty(ctx, contact.Email, contact.Phone)
	if errors.Is(err, storage.ErrNotFound) {
		created, err := s.provision(ctx, contact, pin)
		if errors.Is(err, storage.ErrDuplicate) {
			// lost a race with another request for the same contact
			existing, err = s.store.FindCounterparty(ctx, contact.Email, contact.Phone)
			if err != nil {
				return Identity{}, err
			}
			return s.verify(ctx, existing, pin)
		}
		if err != nil {
			return Identity{}, err
		}
		return Identity{Counterparty: created, Provisioned: true}, nil
	}
	if err != nil {
		return Identity{}, err
	}

	now := s.now()
	if existing.Temporary && (!existing.Active || (existing.ExpiresAt != nil && !now.Before(*existing.ExpiresAt))) {
		return s.reprovision(ctx, existing, pin)
	}
	if !existing.Active {
		return Identity{}, ErrInactive
	}
	return s.verify(ctx, existing, pin)
}

func (s *Service) provision(ctx context.Context, contact Contact, pin string) (storage.Counterparty, error) {
	hash, err := HashPIN(pin, s.cfg.PIN)
	if err != nil {
		return storage.Counterparty{}, err
	}
	expires := s.now().Add(s.cfg.TemporaryTTL)
	c := storage.Counterparty{
		Email:     contact.Email,
		Phone:     contact.Phone,
		PINHash:   hash,
		Temporary: true,
		ExpiresAt: &expires,
		Active:    true,
	}
	if err := s.store.InsertCounterparty(ctx, &c); err != nil {
		return storage.Counterparty{}, err
	}
	s.logger.Info("counterparty provisioned", "counterparty_id", c.ID.String())
	return c, nil
}

func (s *Service) reprovision(ctx context.Context, c storage.Counterparty, pin string) (Identity, error) {
	hash, err := HashPIN(pin, s.cfg.PIN)
	if err != nil {
		return Identity{}, err
	}
	expires := s.now().Add(s.cfg.TemporaryTTL)
	c.PINHash = hash
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.ExpiresAt = &expires
	c.Active = true
	if err := s.store.SaveCounterparty(ctx, c); err != nil {
		return Identity{}, err
	}
	s.logger.Info("counterparty re-provisioned", "counterparty_id", c.ID.String())
	return Identity{Counterparty: c, Provisioned: true}, nil
}

func (s *Service) verify(ctx context.Context, c storage.Counterparty, pin string) (Identity, error) {
	now := s.now()
	if c.LockedUntil != nil && now.Before(*c.LockedUntil) {
		return Identity{}, fmt.Errorf("%w until %s", ErrLocked, c.LockedUntil.UTC().Format(time.RFC3339))
	}

	ok, err := VerifyPIN(pin, c.PINHash)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		until := now.Add(s.cfg.LockDuration).Truncate(time.Microsecond)
		attempts, lockedUntil, err := s.store.RecordPINFailure(ctx, c.ID, now, s.cfg.MaxFailures, until)
		if err != nil {
			return Identity{}, err
		}
		if lockedUntil != nil && now.Before(*lockedUntil) {
			if lockedUntil.Equal(until) {
				s.logger.Warn("counterparty locked", "counterparty_id", c.ID.String(), "until", until)
			}
			return Identity{}, fmt.Errorf("%w after %d failed attempts", ErrLocked, s.cfg.MaxFailures)
		}
		s.logger.Debug("invalid pin", "counterparty_id", c.ID.String(), "attempts", attempts)
		return Identity{}, ErrInvalidPIN
	}

	if c.FailedAttempts != 0 || c.LockedUntil != nil {
		if err := s.store.ClearPINFailures(ctx, c.ID); err != nil {
			return Identity{}, err
		}
		c.FailedAttempts = 0
		c.LockedUntil = nil
	}
	return Identity{Counterparty: c}, nil
}

// EnsureWallets creates the counterparty's wallets for both legs of pair if
// they do not exist yet.
func (s *Service) EnsureWallets(ctx context.Context, userID uuid.UUID, pair storage.Pair) (Wallets, error) {
	book := ledger.New(s.store)
	base, err := book.EnsureWallet(ctx, userID, pair.Base)
	if err != nil {
		return Wallets{}, fmt.Errorf("ensure %s wallet: %w", pair.Base, err)
	}
	quote, err := book.EnsureWallet(ctx, userID, pair.Quote)
	if err != nil {
		return Wallets{}, fmt.Errorf("ensure %s wallet: %w", pair.Quote, err)
	}
	return Wallets{Base: base, Quote: quote}, nil
}

// Deactivate retires a counterparty record. Deactivating twice is a no-op.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeactivateCounterparty(ctx, id); err != nil {
		return err
	}
	s.logger.Info("counterparty deactivated", "counterparty_id", id.String())
	return nil
}
