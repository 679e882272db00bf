package saga

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/processing"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage/memory"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const payoutAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type queuedJob struct {
	id      string
	name    string
	payload any
	opts    jobs.EnqueueOptions
}

// stepQueue records jobs so tests can run saga steps one at a time.
type stepQueue struct {
	mu        sync.Mutex
	pending   []queuedJob
	cancelled []string
	handlers  map[string]jobs.Handler
}

func newStepQueue() *stepQueue {
	return &stepQueue{handlers: make(map[string]jobs.Handler)}
}

func (q *stepQueue) Handle(name string, h jobs.Handler) {
	q.handlers[name] = h
}

func (q *stepQueue) Enqueue(_ context.Context, name string, payload any, opts jobs.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	for _, j := range q.pending {
		if j.id == id {
			return id, nil
		}
	}
	q.pending = append(q.pending, queuedJob{id: id, name: name, payload: payload, opts: opts})
	return id, nil
}

func (q *stepQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.pending {
		if j.id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.cancelled = append(q.cancelled, jobID)
			return true, nil
		}
	}
	return false, nil
}

func (q *stepQueue) has(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		if j.name == name {
			return true
		}
	}
	return false
}

// run pops the oldest job called name and runs its handler once as the
// final attempt.
func (q *stepQueue) run(t *testing.T, name string) error {
	t.Helper()
	job := q.pop(t, name)
	return q.exec(t, job, 1, 1)
}

// retry runs the oldest job called name as an early attempt and puts it back
// when the handler asks to be retried.
func (q *stepQueue) retry(t *testing.T, name string) error {
	t.Helper()
	job := q.pop(t, name)
	err := q.exec(t, job, 1, 3)
	if err != nil && !jobs.IsPermanent(err) {
		q.mu.Lock()
		q.pending = append(q.pending, job)
		q.mu.Unlock()
	}
	return err
}

func (q *stepQueue) pop(t *testing.T, name string) queuedJob {
	t.Helper()
	q.mu.Lock()
	var job queuedJob
	found := false
	for i, j := range q.pending {
		if j.name == name {
			job = j
			found = true
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if !found {
		t.Fatalf("no %s job queued", name)
	}
	return job
}

func (q *stepQueue) exec(t *testing.T, job queuedJob, attempt, max int) error {
	t.Helper()
	raw, err := json.Marshal(job.payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	h, ok := q.handlers[job.name]
	if !ok {
		t.Fatalf("no handler for %s", job.name)
	}
	return h(context.Background(), jobs.Job{ID: job.id, Name: job.name, Payload: raw, Attempt: attempt, MaxAttempts: max})
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *fakeNotifier) Queue(_ context.Context, note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.got {
		out = append(out, note.Type)
	}
	return out
}

// failingPayouts rejects payouts until healed.
type failingPayouts struct {
	*provider.Sandbox
	mu     sync.Mutex
	broken bool
}

func (p *failingPayouts) setBroken(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken = v
}

func (p *failingPayouts) BlockchainTransfer(ctx context.Context, req provider.ChainTransfer) (string, error) {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken {
		return "", provider.ErrUnavailable
	}
	return p.Sandbox.BlockchainTransfer(ctx, req)
}

func (p *failingPayouts) Refund(ctx context.Context, req provider.RefundRequest) (string, error) {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken {
		return "", provider.ErrUnavailable
	}
	return p.Sandbox.Refund(ctx, req)
}

// gatedChain holds every balance read until all expected readers have
// observed the same chain state.
type gatedChain struct {
	provider.ChainWatcher
	arrived sync.WaitGroup
}

func newGatedChain(inner provider.ChainWatcher, readers int) *gatedChain {
	c := &gatedChain{ChainWatcher: inner}
	c.arrived.Add(readers)
	return c
}

func (c *gatedChain) SyncBalance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	balance, err := c.ChainWatcher.SyncBalance(ctx, address, currency)
	c.arrived.Done()
	c.arrived.Wait()
	return balance, err
}

type flakyPayments struct {
	*provider.Sandbox
	err error
}

func (p *flakyPayments) InitiatePayment(context.Context, provider.PaymentRequest) (provider.PaymentAccount, error) {
	return provider.PaymentAccount{}, p.err
}

type harness struct {
	store    storage.Store
	sandbox  *provider.Sandbox
	payouts  *failingPayouts
	queue    *stepQueue
	notifier *fakeNotifier
	saga     *Orchestrator
	engine   *reservation.Engine
	owner    uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.New())
}

func newHarnessWithStore(t *testing.T, store storage.Store) *harness {
	t.Helper()
	sandbox := provider.NewSandbox()
	payouts := &failingPayouts{Sandbox: sandbox}
	queue := newStepQueue()
	notifier := &fakeNotifier{}
	engine := reservation.NewEngine(store, nil, nil)
	processor := processing.NewProcessor(store, queue, notifier, processing.Config{DirectAttempts: 2, DirectBackoff: time.Millisecond}, nil, nil)
	cpCfg := counterparty.DefaultConfig()
	cpCfg.PIN = counterparty.PINParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	o := NewOrchestrator(Deps{
		Store:          store,
		Reservations:   engine,
		Processor:      processor,
		Counterparties: counterparty.NewService(store, cpCfg, nil),
		Payments:       sandbox,
		Payouts:        payouts,
		Chain:          sandbox,
		Addresses:      sandbox,
		Queue:          queue,
		Notifier:       notifier,
	}, Config{ProviderBackoff: time.Millisecond})
	o.RegisterJobs(queue)

	return &harness{
		store:    store,
		sandbox:  sandbox,
		payouts:  payouts,
		queue:    queue,
		notifier: notifier,
		saga:     o,
		engine:   engine,
		owner:    uuid.New(),
	}
}

// openOrder lists amount of the order currency on USDT/NGN at 1500 NGN,
// escrowed from the owner.
func (h *harness) openOrder(t *testing.T, side storage.OrderSide, amount string) storage.Order {
	t.Helper()
	ctx := context.Background()
	book := ledger.New(h.store)
	pair := storage.Pair{Base: "USDT", Quote: "NGN"}
	if err := h.store.CreatePair(ctx, &pair); errors.Is(err, storage.ErrDuplicate) {
		// a seeded database already lists the pair
		if pair, err = h.store.GetPair(ctx, testutil.SeedPairID); err != nil {
			t.Fatalf("seeded pair: %v", err)
		}
	} else if err != nil {
		t.Fatalf("pair: %v", err)
	}
	wallet, err := book.EnsureWallet(ctx, h.owner, pair.OrderCurrency(side))
	if err != nil {
		t.Fatalf("owner wallet: %v", err)
	}
	if err := book.Credit(ctx, wallet.ID, d(amount), "fund:"+pair.ID.String()); err != nil {
		t.Fatalf("fund owner: %v", err)
	}
	blk, err := book.Block(ctx, wallet.ID, d(amount), "escrow:"+pair.ID.String())
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	order := storage.Order{
		UserID:  h.owner,
		PairID:  pair.ID,
		Side:    side,
		Price:   d("1500"),
		Amount:  d(amount),
		BlockID: uuid.NullUUID{UUID: blk.ID, Valid: true},
	}
	if err := h.store.CreateOrder(ctx, &order); err != nil {
		t.Fatalf("order: %v", err)
	}
	return order
}

func sellRequest(orderID uuid.UUID, amount string) InitiateRequest {
	return InitiateRequest{
		OrderID: orderID,
		Amount:  d(amount),
		Contact: counterparty.Contact{Email: "ada@example.com"},
		PIN:     "123456",
		Payout:  PayoutDetails{Address: strings.ToLower(payoutAddress), Network: "ETH"},
	}
}

func buyRequest(orderID uuid.UUID, amount string) InitiateRequest {
	return InitiateRequest{
		OrderID: orderID,
		Amount:  d(amount),
		Contact: counterparty.Contact{Phone: "+2348000000000"},
		PIN:     "654321",
		Payout:  PayoutDetails{AccountNumber: "0123456789", BankCode: "058", AccountName: "Ada Obi"},
	}
}

func (h *harness) initiate(t *testing.T, req InitiateRequest) *Claim {
	t.Helper()
	res, err := h.saga.InitiateAnonymousOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !res.OK() {
		t.Fatalf("initiate rejected: %+v", res.Rejection)
	}
	return res.Claim
}

func (h *harness) payFiat(t *testing.T, claim *Claim, tx, amount string) WebhookResult {
	t.Helper()
	h.sandbox.MarkPaid(claim.PaymentReference, d(amount))
	res, err := h.saga.HandleFiatWebhook(context.Background(), FiatEvent{
		TransactionID:    tx,
		PaymentReference: claim.PaymentReference,
		Amount:           d(amount),
		Currency:         claim.Currency,
		Status:           provider.PaymentSuccess,
	})
	if err != nil {
		t.Fatalf("fiat webhook: %v", err)
	}
	return res
}

func (h *harness) claim(t *testing.T, id uuid.UUID) storage.Awaiting {
	t.Helper()
	aw, err := h.store.GetAwaiting(context.Background(), id)
	if err != nil {
		t.Fatalf("load claim: %v", err)
	}
	return aw
}

func (h *harness) order(t *testing.T, id uuid.UUID) storage.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	return o
}

func TestInitiateFiatClaim(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")

	claim := h.initiate(t, sellRequest(order.ID, "15000"))
	if claim.Currency != "NGN" || claim.ReceiveCurrency != "USDT" || !claim.Receive.Equal(d("10")) {
		t.Fatalf("unexpected claim %+v", claim)
	}
	if claim.Payment == nil || claim.PaymentReference == "" || claim.DepositAddress != "" {
		t.Fatalf("expected a collection account, got %+v", claim)
	}
	if !claim.Available.Equal(d("90")) {
		t.Fatalf("expected 90 available, got %s", claim.Available)
	}

	aw := h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingPending || !aw.UserID.Valid || !aw.WalletID.Valid || aw.ExpiresAt == nil {
		t.Fatalf("unexpected stored claim %+v", aw)
	}
	pd, err := h.store.GetPostDetails(context.Background(), claim.AwaitingID)
	if err != nil {
		t.Fatalf("post details: %v", err)
	}
	if pd.Kind != storage.PayoutCrypto || pd.Address != payoutAddress || pd.Status != storage.InstructionPending {
		t.Fatalf("unexpected instruction %+v", pd)
	}
	if !h.queue.has(ExpireJob) {
		t.Fatalf("expected expiry job")
	}
	if got := h.notifier.types(); len(got) != 1 || got[0] != notify.TypePayment {
		t.Fatalf("expected payment instructions, got %v", got)
	}
}

func TestInitiateCryptoClaimAssignsDepositAddress(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideBuy, "150000")

	claim := h.initiate(t, buyRequest(order.ID, "10"))
	if claim.Currency != "USDT" || claim.DepositAddress == "" || claim.Payment != nil {
		t.Fatalf("unexpected claim %+v", claim)
	}
	if !claim.Receive.Equal(d("15000")) {
		t.Fatalf("expected 15000 NGN receivable, got %s", claim.Receive)
	}
	aw := h.claim(t, claim.AwaitingID)
	if aw.TriggerAddress != claim.DepositAddress {
		t.Fatalf("expected trigger address %s, got %s", claim.DepositAddress, aw.TriggerAddress)
	}
	pd, _ := h.store.GetPostDetails(context.Background(), claim.AwaitingID)
	if pd.Kind != storage.PayoutBank || pd.AccountNumber != "0123456789" {
		t.Fatalf("unexpected instruction %+v", pd)
	}
}

func TestInitiateRejectsBeforeReserving(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	ctx := context.Background()

	badPIN := sellRequest(order.ID, "15000")
	badPIN.PIN = "12"
	badAddress := sellRequest(order.ID, "15000")
	badAddress.Payout.Address = "nope"

	cases := []struct {
		req  InitiateRequest
		code string
	}{
		{req: badPIN, code: CodeInvalidRequest},
		{req: badAddress, code: CodeInvalidPayout},
		{req: sellRequest(order.ID, "151500"), code: string(reservation.CodeInsufficientCapacity)},
	}
	for _, tc := range cases {
		res, err := h.saga.InitiateAnonymousOrder(ctx, tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.code, err)
		}
		if res.OK() || res.Rejection.Code != tc.code {
			t.Fatalf("expected %s, got %+v", tc.code, res.Rejection)
		}
	}
	if got := h.order(t, order.ID); !got.AmountReserved.IsZero() {
		t.Fatalf("expected nothing reserved, got %s", got.AmountReserved)
	}
}

func TestInitiateCompensatesOnWrongPIN(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	h.initiate(t, sellRequest(order.ID, "1500"))

	req := sellRequest(order.ID, "1500")
	req.PIN = "999999"
	res, err := h.saga.InitiateAnonymousOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.OK() || res.Rejection.Code != CodeIdentityRejected {
		t.Fatalf("expected identity rejection, got %+v", res.Rejection)
	}
	if got := h.order(t, order.ID); !got.AmountReserved.Equal(d("1")) {
		t.Fatalf("expected only the first claim reserved, got %s", got.AmountReserved)
	}
}

func TestInitiateCompensatesOnPaymentFailure(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	h.saga.payments = &flakyPayments{Sandbox: h.sandbox, err: provider.ErrNetwork}

	res, err := h.saga.InitiateAnonymousOrder(context.Background(), sellRequest(order.ID, "15000"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.OK() || res.Rejection.Code != CodePaymentInitFailed {
		t.Fatalf("expected payment init failure, got %+v", res.Rejection)
	}
	if got := h.order(t, order.ID); !got.AmountReserved.IsZero() {
		t.Fatalf("expected reservation released, got %s", got.AmountReserved)
	}
}

func TestFiatPaymentSettlesClaim(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	res := h.payFiat(t, claim, "tx-1", "15000")
	if res.Outcome != OutcomeConfirmed || res.AwaitingID != claim.AwaitingID {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	if h.queue.has(ExpireJob) {
		t.Fatalf("expected expiry job cancelled")
	}
	if again := h.payFiat(t, claim, "tx-1", "15000"); again.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", again.Outcome)
	}

	if err := h.queue.run(t, ProcessJob); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.order(t, order.ID); !got.AmountProcessed.Equal(d("10")) || !got.AmountReserved.IsZero() {
		t.Fatalf("unexpected order %+v", got)
	}
	if err := h.queue.run(t, PostActionJob); err != nil {
		t.Fatalf("post action: %v", err)
	}

	aw := h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingSuccess {
		t.Fatalf("expected SUCCESS, got %s", aw.Status)
	}
	pd, _ := h.store.GetPostDetails(context.Background(), claim.AwaitingID)
	if pd.Status != storage.InstructionSuccess || pd.PayoutReference == "" {
		t.Fatalf("expected settled instruction, got %+v", pd)
	}
	usdt, _ := h.store.FindWallet(context.Background(), claim.CounterpartyID, "USDT")
	if !usdt.AvailableBalance.IsZero() {
		t.Fatalf("expected payout to drain the receive wallet, got %s", usdt.AvailableBalance)
	}
	if len(h.sandbox.Payouts()) != 1 {
		t.Fatalf("expected one payout, got %v", h.sandbox.Payouts())
	}
	cp, err := h.store.FindCounterparty(context.Background(), "ada@example.com", "")
	if err != nil {
		t.Fatalf("find counterparty: %v", err)
	}
	if cp.Active {
		t.Fatalf("expected counterparty deactivated after settlement")
	}
}

func TestCryptoDepositSettlesClaim(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideBuy, "150000")
	claim := h.initiate(t, buyRequest(order.ID, "10"))
	ctx := context.Background()

	h.sandbox.SetBalance(claim.DepositAddress, d("10"))
	res, err := h.saga.HandleCryptoWebhook(ctx, CryptoEvent{TransactionID: "0xabc", Address: claim.DepositAddress, Currency: "usdt"})
	if err != nil {
		t.Fatalf("crypto webhook: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Outcome)
	}
	// a second notification for the same balance carries no new value
	res, err = h.saga.HandleCryptoWebhook(ctx, CryptoEvent{TransactionID: "0xdef", Address: claim.DepositAddress})
	if err != nil {
		t.Fatalf("crypto webhook: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}

	if err := h.queue.run(t, ProcessJob); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := h.queue.run(t, PostActionJob); err != nil {
		t.Fatalf("post action: %v", err)
	}
	if aw := h.claim(t, claim.AwaitingID); aw.Status != storage.AwaitingSuccess {
		t.Fatalf("expected SUCCESS, got %s", aw.Status)
	}
	payouts := h.sandbox.Payouts()
	if len(payouts) != 1 || payouts[0] != "bank_payout:"+claim.AwaitingID.String() {
		t.Fatalf("unexpected payouts %v", payouts)
	}
}

func TestUnderpaymentIsRefunded(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	res := h.payFiat(t, claim, "tx-short", "14925")
	if res.Outcome != OutcomeUnderpaid {
		t.Fatalf("expected underpaid, got %s", res.Outcome)
	}
	aw := h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingPending || !aw.Holds() {
		t.Fatalf("expected claim still pending and held, got %s", aw.Status)
	}
	if r, ok := aw.LastReason(storage.ReasonUnderpaid); !ok || r.Expected != "15000" || r.Received != "14925" {
		t.Fatalf("expected underpaid reason, got %+v", aw.Metadata)
	}

	if err := h.queue.run(t, RefundJob); err != nil {
		t.Fatalf("refund: %v", err)
	}
	aw = h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingRefunded || aw.ReleasedAt == nil {
		t.Fatalf("expected REFUNDED and released, got %s", aw.Status)
	}
	if got := h.order(t, order.ID); !got.AmountReserved.IsZero() {
		t.Fatalf("expected capacity restored, got %s", got.AmountReserved)
	}
	ngn, _ := h.store.FindWallet(context.Background(), claim.CounterpartyID, "NGN")
	if !ngn.AvailableBalance.IsZero() {
		t.Fatalf("expected refunded wallet to be empty, got %s", ngn.AvailableBalance)
	}
}

func TestPaymentWithinToleranceConfirms(t *testing.T) {
	h := newHarness(t)
	h.saga.cfg.Tolerance = d("0.5")
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	if res := h.payFiat(t, claim, "tx-1", "14999.6"); res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed within tolerance, got %s", res.Outcome)
	}
}

func TestExpiryRestoresCapacityAndLatePaymentIsRefunded(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	if err := h.queue.run(t, ExpireJob); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if aw := h.claim(t, claim.AwaitingID); aw.Status != storage.AwaitingExpired {
		t.Fatalf("expected EXPIRED, got %s", aw.Status)
	}
	if got := h.order(t, order.ID); !got.AmountReserved.IsZero() {
		t.Fatalf("expected capacity restored, got %s", got.AmountReserved)
	}

	if res := h.payFiat(t, claim, "tx-late", "15000"); res.Outcome != OutcomeLate {
		t.Fatalf("expected late, got %s", res.Outcome)
	}
	if err := h.queue.run(t, RefundJob); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if aw := h.claim(t, claim.AwaitingID); aw.Status != storage.AwaitingRefunded {
		t.Fatalf("expected REFUNDED, got %s", aw.Status)
	}
}

func TestExpireSkipsConfirmedClaim(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))
	h.payFiat(t, claim, "tx-1", "15000")

	expired, err := h.saga.ExpireAwaiting(context.Background(), claim.AwaitingID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired {
		t.Fatalf("expected confirmed claim to survive expiry")
	}
}

func TestFiatFailureCancelsClaim(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	res, err := h.saga.HandleFiatWebhook(context.Background(), FiatEvent{
		TransactionID:    "tx-fail",
		PaymentReference: claim.PaymentReference,
		Status:           provider.PaymentFailed,
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if aw := h.claim(t, claim.AwaitingID); aw.Status != storage.AwaitingFailed || aw.ReleasedAt == nil {
		t.Fatalf("expected FAILED and released, got %s", aw.Status)
	}
}

func TestUnknownReferenceIsIgnored(t *testing.T) {
	h := newHarness(t)
	res, err := h.saga.HandleFiatWebhook(context.Background(), FiatEvent{
		TransactionID:    "tx",
		PaymentReference: "nobody",
		Status:           provider.PaymentSuccess,
	})
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %+v %v", res, err)
	}
	if _, err := h.saga.HandleFiatWebhook(context.Background(), FiatEvent{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}

func TestPayoutFailureCanBeRedriven(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))
	h.payFiat(t, claim, "tx-1", "15000")
	if err := h.queue.run(t, ProcessJob); err != nil {
		t.Fatalf("process: %v", err)
	}

	h.payouts.setBroken(true)
	err := h.queue.run(t, PostActionJob)
	if !jobs.IsPermanent(err) || !errors.Is(err, ErrPayout) {
		t.Fatalf("expected permanent payout error, got %v", err)
	}
	aw := h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingFailed {
		t.Fatalf("expected FAILED, got %s", aw.Status)
	}
	if _, ok := aw.LastReason(storage.ReasonPayoutFailed); !ok {
		t.Fatalf("expected payout failure recorded")
	}

	h.payouts.setBroken(false)
	if err := h.saga.RetryPostAction(context.Background(), claim.AwaitingID); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if aw := h.claim(t, claim.AwaitingID); aw.Status != storage.AwaitingSuccess {
		t.Fatalf("expected SUCCESS after redrive, got %s", aw.Status)
	}
	if err := h.saga.RetryPostAction(context.Background(), claim.AwaitingID); !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("expected settled claim to refuse redrive, got %v", err)
	}
}

func TestRedriveRequiresFill(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))
	if _, err := h.engine.CancelAwaiting(context.Background(), claim.AwaitingID, storage.NewReason(storage.ReasonCancelled, "test")); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := h.saga.RetryPostAction(context.Background(), claim.AwaitingID); !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("expected unfilled claim to refuse redrive, got %v", err)
	}
}

// refundRetriedAfterProviderFailure underpays a claim, fails the first refund
// attempt at the provider, then retries it once the provider recovers.
func refundRetriedAfterProviderFailure(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	order := h.openOrder(t, storage.SideSell, "100")
	claim := h.initiate(t, sellRequest(order.ID, "15000"))

	if res := h.payFiat(t, claim, "tx-short-"+uuid.NewString()[:8], "14925"); res.Outcome != OutcomeUnderpaid {
		t.Fatalf("expected underpaid, got %s", res.Outcome)
	}

	h.payouts.setBroken(true)
	err := h.queue.retry(t, RefundJob)
	if err == nil || jobs.IsPermanent(err) {
		t.Fatalf("expected a retryable provider error, got %v", err)
	}
	aw := h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingPending || !aw.Holds() {
		t.Fatalf("expected claim still pending and held, got %s", aw.Status)
	}
	ngn, err := h.store.FindWallet(ctx, claim.CounterpartyID, "NGN")
	if err != nil {
		t.Fatalf("find wallet: %v", err)
	}
	if !ngn.AvailableBalance.IsZero() {
		t.Fatalf("expected the refund debited once, got %s", ngn.AvailableBalance)
	}

	h.payouts.setBroken(false)
	if err := h.queue.retry(t, RefundJob); err != nil {
		t.Fatalf("retried refund: %v", err)
	}
	if h.queue.has(RefundJob) {
		t.Fatalf("expected no refund left queued")
	}
	aw = h.claim(t, claim.AwaitingID)
	if aw.Status != storage.AwaitingRefunded || aw.ReleasedAt == nil {
		t.Fatalf("expected REFUNDED and released, got %s", aw.Status)
	}
	if got := h.order(t, order.ID); !got.AmountReserved.IsZero() {
		t.Fatalf("expected capacity restored, got %s", got.AmountReserved)
	}
	ngn, _ = h.store.FindWallet(ctx, claim.CounterpartyID, "NGN")
	if !ngn.AvailableBalance.IsZero() || !ngn.AccountBalance.IsZero() {
		t.Fatalf("expected wallet drained exactly once, got %+v", ngn)
	}

	var refunds int
	for _, id := range h.sandbox.Payouts() {
		if strings.HasPrefix(id, "refund_") {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected one refund sent, got %v", h.sandbox.Payouts())
	}
}

func TestRefundRetriedAfterProviderFailure(t *testing.T) {
	refundRetriedAfterProviderFailure(t, newHarness(t))
}

func TestConcurrentCryptoDepositsCreditOnce(t *testing.T) {
	h := newHarness(t)
	order := h.openOrder(t, storage.SideBuy, "150000")
	claim := h.initiate(t, buyRequest(order.ID, "10"))
	ctx := context.Background()

	h.sandbox.SetBalance(claim.DepositAddress, d("10"))
	h.saga.chain = newGatedChain(h.sandbox, 2)

	type outcome struct {
		res WebhookResult
		err error
	}
	results := make(chan outcome, 2)
	for _, tx := range []string{"0xaaa", "0xbbb"} {
		go func(tx string) {
			res, err := h.saga.HandleCryptoWebhook(ctx, CryptoEvent{TransactionID: tx, Address: claim.DepositAddress})
			results <- outcome{res: res, err: err}
		}(tx)
	}

	seen := map[WebhookOutcome]int{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("crypto webhook: %v", r.err)
		}
		seen[r.res.Outcome]++
	}
	if seen[OutcomeConfirmed] != 1 || seen[OutcomeIgnored] != 1 {
		t.Fatalf("expected one confirmed and one ignored, got %v", seen)
	}

	wallet, err := h.store.FindWalletByAddress(ctx, claim.DepositAddress)
	if err != nil {
		t.Fatalf("deposit wallet: %v", err)
	}
	if !wallet.AvailableBalance.Equal(d("10")) || !wallet.LastChainBalance.Equal(d("10")) {
		t.Fatalf("expected a single credit of 10, got available=%s chain=%s", wallet.AvailableBalance, wallet.LastChainBalance)
	}
}
