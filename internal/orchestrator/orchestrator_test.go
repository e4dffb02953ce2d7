package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/cascade"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/pay"
	"github.com/mmeshcher/fueling-system/internal/pump"
	"github.com/mmeshcher/fueling-system/internal/txn"
)

type watchScript struct {
	events []pump.Event
	// keepOpen оставляет канал открытым после событий (наблюдение продолжается).
	keepOpen bool
}

type fakeEngine struct {
	mu sync.Mutex

	initial    model.PumpSnapshot
	initialErr error

	scripts    []watchScript
	watchCalls int

	cancelRes   pump.Canceled
	cancelCalls int
}

func (f *fakeEngine) InitialSnapshot(ctx context.Context) (model.PumpSnapshot, error) {
	return f.initial, f.initialErr
}

func (f *fakeEngine) Watch(ctx context.Context, initial model.PumpSnapshot) <-chan pump.Event {
	f.mu.Lock()
	var script watchScript
	if f.watchCalls < len(f.scripts) {
		script = f.scripts[f.watchCalls]
	} else {
		script.keepOpen = true
	}
	f.watchCalls++
	f.mu.Unlock()

	out := make(chan pump.Event, len(script.events)+1)
	for _, ev := range script.events {
		out <- ev
	}
	if !script.keepOpen {
		close(out)
	}
	return out
}

func (f *fakeEngine) CancelPreAuth(ctx context.Context, transactionID string) pump.Canceled {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelRes
}

type authStep struct {
	outcome cascade.Outcome
	err     error
}

type fakeAuth struct {
	mu sync.Mutex

	begin    authStep
	provides []authStep
	provided int
}

func (f *fakeAuth) Begin(ctx context.Context, method model.PaymentMethod) (cascade.Outcome, error) {
	return f.begin.outcome, f.begin.err
}

func (f *fakeAuth) Provide(ctx context.Context, kind model.SecondFactor, value string) (cascade.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provided >= len(f.provides) {
		return cascade.Outcome{}, errors.New("unexpected Provide call")
	}
	step := f.provides[f.provided]
	f.provided++
	return step.outcome, step.err
}

type fakePayer struct {
	mu sync.Mutex

	err error
	// errs расходуются по одному на вызов; после исчерпания действует err.
	errs []error
	reqs []txn.PaymentRequest
}

func (f *fakePayer) Pay(ctx context.Context, req txn.PaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return f.err
}

func (f *fakePayer) all() []txn.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]txn.PaymentRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func (f *fakePayer) last(t *testing.T) txn.PaymentRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatalf("no payments made")
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeApproacher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeApproacher) Approaching(ctx context.Context, gasStationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func otpOutcome(value string) cascade.Outcome {
	return cascade.Outcome{OTP: &model.OneTimePassword{Value: value}}
}

func postPayReady(price float64) model.PumpSnapshot {
	return model.PumpSnapshot{
		GasStationID:      "gs-1",
		PumpID:            "2",
		Status:            model.StatusReadyToPay,
		FuelingProcess:    model.ProcessPostPay,
		PriceIncludingVAT: &price,
		Currency:          "EUR",
		ProductName:       "Super 95",
	}
}

func testParams() Params {
	return Params{
		GasStationID:  "gs-1",
		PumpID:        "2",
		Method:        model.PaymentMethod{ID: "pm-1", TwoFactor: true},
		Currency:      "EUR",
		PreAuthAmount: 80,
	}
}

func startSession(t *testing.T, engine Engine, auth Authorizer, payer Payer,
	approach Approacher, params Params, onComplete func(model.Transaction)) *Session {
	t.Helper()

	s := NewSession(engine, auth, payer, approach, zap.NewNop(), params, onComplete)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s.Start(ctx)
	return s
}

func waitState(t *testing.T, s *Session, cond func(State) bool) State {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.State()
		if cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state condition not met in time, last state: %+v", s.State())
	return State{}
}

func TestSession_PostPayCompletes(t *testing.T) {
	ready := postPayReady(42.5)
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: ready}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}
	payer := &fakePayer{}
	approach := &fakeApproacher{}

	completed := make(chan model.Transaction, 1)
	s := startSession(t, engine, auth, payer, approach, testParams(), func(tx model.Transaction) {
		completed <- tx
	})

	waitState(t, s, func(st State) bool { return st.Phase == PhaseCompleted })

	req := payer.last(t)
	if req.Amount != 42.5 {
		t.Fatalf("amount = %v, want 42.5 from the pump snapshot", req.Amount)
	}
	if req.OTP.Value != "123456" {
		t.Fatalf("otp = %q, want 123456", req.OTP.Value)
	}
	if req.TransactionID == "" {
		t.Fatalf("transaction id must be generated before authorization")
	}

	select {
	case tx := <-completed:
		if tx.PriceCents == nil || *tx.PriceCents != 4250 {
			t.Fatalf("price cents = %v, want 4250", tx.PriceCents)
		}
		if tx.ProductName != "Super 95" {
			t.Fatalf("product = %q, want Super 95", tx.ProductName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onComplete was not called")
	}

	if approach.calls != 1 {
		t.Fatalf("approaching calls = %d, want 1", approach.calls)
	}
}

func TestSession_WrongPINRetried(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusReadyToPay,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: postPayReady(10)}}}},
		},
	}
	auth := &fakeAuth{
		begin: authStep{outcome: cascade.Outcome{Need: model.FactorPIN}},
		provides: []authStep{
			{outcome: cascade.Outcome{Need: model.FactorPIN}, err: pay.ErrWrongInput},
			{outcome: otpOutcome("654321")},
		},
	}
	payer := &fakePayer{}

	s := startSession(t, engine, auth, payer, &fakeApproacher{}, testParams(), nil)

	waitState(t, s, func(st State) bool {
		return st.Phase == PhaseAuthorizing && st.Need == model.FactorPIN
	})

	if err := s.ProvideInput(model.FactorPIN, "0000"); err != nil {
		t.Fatalf("ProvideInput: %v", err)
	}
	waitState(t, s, func(st State) bool { return st.WrongInput })

	if err := s.ProvideInput(model.FactorPIN, "1234"); err != nil {
		t.Fatalf("ProvideInput retry: %v", err)
	}
	st := waitState(t, s, func(st State) bool { return st.Phase == PhaseCompleted })

	if st.WrongInput {
		t.Fatalf("WrongInput must be cleared after a successful authorization")
	}
	if payer.last(t).OTP.Value != "654321" {
		t.Fatalf("otp = %q, want 654321", payer.last(t).OTP.Value)
	}
}

func TestSession_CancelWhileAwaitingPump(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusFree,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.Free{}}}, keepOpen: true},
		},
	}

	s := startSession(t, engine, &fakeAuth{}, &fakePayer{}, &fakeApproacher{}, testParams(), nil)

	waitState(t, s, func(st State) bool {
		return st.Phase == PhaseAwaitingPump && st.PumpStatus == "FREE"
	})

	if err := s.RequestCancel(); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	waitState(t, s, func(st State) bool { return st.Phase == PhaseCanceledByUser })

	<-s.Done()
	if err := s.RequestCancel(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("RequestCancel after close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_CancelIgnoredWhilePumpBusy(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.InUse{}}}, keepOpen: true},
		},
	}

	s := startSession(t, engine, &fakeAuth{}, &fakePayer{}, &fakeApproacher{}, testParams(), nil)

	waitState(t, s, func(st State) bool {
		return st.Phase == PhaseAwaitingPump && st.PumpStatus == "INUSE"
	})

	if err := s.RequestCancel(); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	// Колонка занята: отмена игнорируется, сессия продолжает наблюдение.
	time.Sleep(50 * time.Millisecond)
	if st := s.State(); st.Phase != PhaseAwaitingPump {
		t.Fatalf("phase = %q, want awaiting_pump", st.Phase)
	}
	select {
	case <-s.Done():
		t.Fatalf("session must keep running after an ignored cancel")
	default:
	}
}

func TestSession_PreAuthLockedStartsPurchase(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusLocked,
			FuelingProcess: model.ProcessPreAuth,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.Done{TransactionID: "tx-done"}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}
	payer := &fakePayer{}

	s := startSession(t, engine, auth, payer, &fakeApproacher{}, testParams(), nil)

	st := waitState(t, s, func(st State) bool { return st.Phase == PhaseCompleted })

	if st.TransactionID != "tx-done" {
		t.Fatalf("transaction id = %q, want tx-done", st.TransactionID)
	}
	if req := payer.last(t); req.Amount != 80 {
		t.Fatalf("pre-auth amount = %v, want 80 from session params", req.Amount)
	}
}

func TestSession_CompleteRoundsPriceToCents(t *testing.T) {
	// 8.20 в двоичном представлении чуть меньше 8.2: усечение дало бы 819.
	ready := postPayReady(8.20)
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: ready}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}

	completed := make(chan model.Transaction, 1)
	s := startSession(t, engine, auth, &fakePayer{}, &fakeApproacher{}, testParams(), func(tx model.Transaction) {
		completed <- tx
	})

	waitState(t, s, func(st State) bool { return st.Phase == PhaseCompleted })

	select {
	case tx := <-completed:
		if tx.PriceCents == nil || *tx.PriceCents != 820 {
			t.Fatalf("price cents for 8.20 = %v, want 820", tx.PriceCents)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onComplete was not called")
	}
}

func TestSession_SubmitRetryReusesTransactionID(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: postPayReady(10)}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}
	payer := &fakePayer{
		errs: []error{errors.New("connection reset")},
	}

	s := startSession(t, engine, auth, payer, &fakeApproacher{}, testParams(), nil)

	waitState(t, s, func(st State) bool { return st.Phase == PhaseCompleted })

	reqs := payer.all()
	if len(reqs) != 2 {
		t.Fatalf("payment attempts = %d, want 2", len(reqs))
	}
	if reqs[0].TransactionID == "" || reqs[0].TransactionID != reqs[1].TransactionID {
		t.Fatalf("retry must reuse the transaction id: %q vs %q",
			reqs[0].TransactionID, reqs[1].TransactionID)
	}
}

func TestSession_SubmitFailsAfterAttemptsExhausted(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: postPayReady(10)}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}
	payer := &fakePayer{err: errors.New("connection reset")}

	s := startSession(t, engine, auth, payer, &fakeApproacher{}, testParams(), nil)

	st := waitState(t, s, func(st State) bool { return st.Phase == PhaseFailed })
	if st.ErrorKind != ErrorKindPayment {
		t.Fatalf("error kind = %q, want %q", st.ErrorKind, ErrorKindPayment)
	}

	reqs := payer.all()
	if len(reqs) != 3 {
		t.Fatalf("payment attempts = %d, want 3", len(reqs))
	}
	for i, req := range reqs {
		if req.TransactionID != reqs[0].TransactionID {
			t.Fatalf("attempt %d has transaction id %q, want %q",
				i+1, req.TransactionID, reqs[0].TransactionID)
		}
	}
}

func TestSession_ProductDeniedFails(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: postPayReady(10)}}}},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: otpOutcome("123456")}}
	payer := &fakePayer{err: pay.ErrProductDenied}

	s := startSession(t, engine, auth, payer, &fakeApproacher{}, testParams(), nil)

	st := waitState(t, s, func(st State) bool { return st.Phase == PhaseFailed })
	if st.ErrorKind != ErrorKindProductDenied {
		t.Fatalf("error kind = %q, want %q", st.ErrorKind, ErrorKindProductDenied)
	}
}

func TestSession_AbandonReturnsToWatching(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusInUse,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.ReadyToPay{Snapshot: postPayReady(10)}}}},
			{keepOpen: true},
		},
	}
	auth := &fakeAuth{begin: authStep{outcome: cascade.Outcome{Need: model.FactorPIN}}}
	approach := &fakeApproacher{}

	s := startSession(t, engine, auth, &fakePayer{}, approach, testParams(), nil)

	waitState(t, s, func(st State) bool {
		return st.Phase == PhaseAuthorizing && st.Need == model.FactorPIN
	})

	if err := s.AbandonInput(); err != nil {
		t.Fatalf("AbandonInput: %v", err)
	}
	waitState(t, s, func(st State) bool { return st.Phase == PhaseAwaitingPump })

	engine.mu.Lock()
	watchCalls := engine.watchCalls
	engine.mu.Unlock()
	if watchCalls != 2 {
		t.Fatalf("watch calls = %d, want 2 (rewatch after abandon)", watchCalls)
	}

	// Возврат к наблюдению не повторяет approaching.
	approach.mu.Lock()
	calls := approach.calls
	approach.mu.Unlock()
	if calls != 1 {
		t.Fatalf("approaching calls = %d, want 1", calls)
	}
}

func TestSession_OutOfOrderFails(t *testing.T) {
	engine := &fakeEngine{
		initial: model.PumpSnapshot{
			Status:         model.StatusFree,
			FuelingProcess: model.ProcessPostPay,
		},
		scripts: []watchScript{
			{events: []pump.Event{{Status: pump.OutOfOrder{}}}},
		},
	}

	s := startSession(t, engine, &fakeAuth{}, &fakePayer{}, &fakeApproacher{}, testParams(), nil)

	st := waitState(t, s, func(st State) bool { return st.Phase == PhaseFailed })
	if st.ErrorKind != ErrorKindOutOfOrder {
		t.Fatalf("error kind = %q, want %q", st.ErrorKind, ErrorKindOutOfOrder)
	}
}
