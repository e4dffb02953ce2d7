// Package orchestrator связывает машину состояний колонки, каскад авторизации
// и платёжный процессор в одну заправочную сессию.
package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/cascade"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/pay"
	"github.com/mmeshcher/fueling-system/internal/pump"
	"github.com/mmeshcher/fueling-system/internal/txn"
)

// Phase — фаза заправочной сессии.
type Phase string

const (
	PhaseDiscovering    Phase = "discovering"
	PhaseAwaitingPump   Phase = "awaiting_pump"
	PhaseAuthorizing    Phase = "authorizing"
	PhasePaying         Phase = "paying"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCanceledByUser Phase = "canceled_by_user"
)

// Классификация ошибки сессии для диагностики.
const (
	ErrorKindNetwork       = "network"
	ErrorKindPayment       = "payment"
	ErrorKindProductDenied = "product_denied"
	ErrorKindIllegalStatus = "illegal_status"
	ErrorKindOutOfOrder    = "out_of_order"
)

// ErrSessionClosed возвращается при обращении к завершённой сессии.
var (
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBusy возвращается, когда очередь событий сессии переполнена.
	ErrSessionBusy = errors.New("session busy")
)

// State — снимок состояния сессии для вызывающей стороны.
type State struct {
	Phase         Phase                `json:"phase"`
	Process       model.FuelingProcess `json:"process,omitempty"`
	PumpStatus    string               `json:"pumpStatus,omitempty"`
	Need          model.SecondFactor   `json:"need,omitempty"`
	WrongInput    bool                 `json:"wrongInput,omitempty"`
	TransactionID string               `json:"transactionId,omitempty"`
	Snapshot      *model.PumpSnapshot  `json:"snapshot,omitempty"`
	CancelFailed  bool                 `json:"cancelFailed,omitempty"`
	ErrorKind     string               `json:"errorKind,omitempty"`
}

// Engine — контракт машины состояний колонки.
type Engine interface {
	InitialSnapshot(ctx context.Context) (model.PumpSnapshot, error)
	Watch(ctx context.Context, initial model.PumpSnapshot) <-chan pump.Event
	CancelPreAuth(ctx context.Context, transactionID string) pump.Canceled
}

// Authorizer — контракт каскада второго фактора.
type Authorizer interface {
	Begin(ctx context.Context, method model.PaymentMethod) (cascade.Outcome, error)
	Provide(ctx context.Context, kind model.SecondFactor, value string) (cascade.Outcome, error)
}

// Payer — контракт платёжного процессора.
type Payer interface {
	Pay(ctx context.Context, req txn.PaymentRequest) error
}

// Approacher регистрирует приближение к АЗС перед работой с колонками.
type Approacher interface {
	Approaching(ctx context.Context, gasStationID string) error
}

// Params — параметры одной заправочной сессии.
type Params struct {
	GasStationID  string
	PumpID        string
	Method        model.PaymentMethod
	Currency      string
	PreAuthAmount float64
	CarFuelType   string
}

type evKind int

const (
	evInput evKind = iota
	evAbandon
	evCancel
)

type event struct {
	kind   evKind
	factor model.SecondFactor
	value  string
}

type flowOutcome int

const (
	flowDone flowOutcome = iota
	// flowRestart — перезапуск потока с обнаружения.
	flowRestart
	// flowRewatch — возврат к наблюдению без повторного приближения.
	flowRewatch
)

// Предел попыток оплаты в рамках одной покупки; каждая попытка проходит
// каскад заново, идентификатор транзакции не меняется.
const maxPaymentAttempts = 3

// Session — одна заправочная сессия: один логический поток на колонку, без
// разделяемого изменяемого состояния между сессиями.
type Session struct {
	engine   Engine
	auth     Authorizer
	payer    Payer
	approach Approacher
	logger   *zap.Logger
	params   Params

	events chan event
	done   chan struct{}
	cancel context.CancelFunc

	// lastStatus читается и пишется только циклом-редьюсером.
	lastStatus pump.Status

	onComplete func(model.Transaction)

	mu    sync.RWMutex
	state State
}

// NewSession создаёт сессию; onComplete вызывается при успешном завершении
// транзакции (может быть nil).
func NewSession(engine Engine, auth Authorizer, payer Payer, approach Approacher,
	logger *zap.Logger, params Params, onComplete func(model.Transaction)) *Session {
	return &Session{
		engine:     engine,
		auth:       auth,
		payer:      payer,
		approach:   approach,
		logger:     logger,
		params:     params,
		events:     make(chan event, 8),
		done:       make(chan struct{}),
		onComplete: onComplete,
		state:      State{Phase: PhaseDiscovering},
	}
}

// Start запускает цикл сессии. Отмена контекста останавливает все опросы и
// ожидания ввода.
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(runCtx)
}

// Close останавливает сессию и все её операции.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Done закрывается, когда цикл сессии завершён.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State возвращает копию текущего состояния сессии.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ProvideInput передаёт сессии значение запрошенного фактора.
func (s *Session) ProvideInput(kind model.SecondFactor, value string) error {
	return s.post(event{kind: evInput, factor: kind, value: value})
}

// AbandonInput сообщает, что пользователь отказался от ввода фактора.
func (s *Session) AbandonInput() error {
	return s.post(event{kind: evAbandon})
}

// RequestCancel запрашивает отмену сессии пользователем.
func (s *Session) RequestCancel() error {
	return s.post(event{kind: evCancel})
}

func (s *Session) post(ev event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSessionBusy
	}
}

func (s *Session) update(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Session) fail(kind string, err error) flowOutcome {
	s.logger.Error("fueling session failed",
		zap.String("pump", s.params.PumpID),
		zap.String("kind", kind),
		zap.Error(err))
	s.update(func(st *State) {
		st.Phase = PhaseFailed
		st.Need = ""
		st.ErrorKind = kind
	})
	return flowDone
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	approach := true
	for {
		switch s.runFlow(ctx, approach) {
		case flowDone:
			return
		case flowRestart:
			approach = true
		case flowRewatch:
			approach = false
		}
	}
}

// runFlow выполняет один проход: обнаружение, наблюдение, покупка.
func (s *Session) runFlow(ctx context.Context, approach bool) flowOutcome {
	s.lastStatus = nil
	s.update(func(st *State) {
		st.Phase = PhaseDiscovering
		st.Need = ""
		st.ErrorKind = ""
	})

	if approach {
		if err := s.approach.Approaching(ctx, s.params.GasStationID); err != nil {
			if ctx.Err() != nil {
				return flowDone
			}
			return s.fail(ErrorKindNetwork, err)
		}
	}

	initial, err := s.engine.InitialSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return flowDone
		}
		return s.fail(ErrorKindNetwork, err)
	}

	s.update(func(st *State) {
		st.Process = initial.FuelingProcess
		st.PumpStatus = string(initial.Status)
	})

	// Заблокированная pre-auth колонка без чужой транзакции: покупка
	// начинается сразу, наблюдение не требуется.
	if initial.FuelingProcess == model.ProcessPreAuth &&
		initial.Status == model.StatusLocked && initial.TransactionID == nil {
		return s.purchase(ctx, initial)
	}

	s.update(func(st *State) { st.Phase = PhaseAwaitingPump })

	watch := s.engine.Watch(ctx, initial)
	for {
		select {
		case <-ctx.Done():
			return flowDone
		case ev := <-s.events:
			if ev.kind != evCancel {
				continue
			}
			// Отмена принимается только на свободной колонке; платёж ещё не
			// отправлялся, отменять на сервере нечего.
			if _, free := s.lastStatus.(pump.Free); !free {
				s.logger.Info("cancel ignored, pump not free",
					zap.String("pump", s.params.PumpID))
				continue
			}
			s.update(func(st *State) { st.Phase = PhaseCanceledByUser })
			return flowDone
		case we, ok := <-watch:
			if !ok {
				return flowDone
			}
			if we.Err != nil {
				return s.fail(classifyWatchError(we.Err), we.Err)
			}
			s.lastStatus = we.Status
			switch status := we.Status.(type) {
			case pump.ReadyToPay:
				s.update(func(st *State) {
					snap := status.Snapshot
					st.Snapshot = &snap
				})
				return s.purchase(ctx, status.Snapshot)
			case pump.Locked:
				return flowRestart
			case pump.OutOfOrder:
				return s.fail(ErrorKindOutOfOrder, errors.New("pump out of order"))
			default:
				s.update(func(st *State) { st.PumpStatus = statusLabel(we.Status) })
			}
		}
	}
}

type authResult int

const (
	authOK authResult = iota
	authAbandoned
	authEnded
)

// authorize прогоняет каскад второго фактора, запрашивая ввод у пользователя.
func (s *Session) authorize(ctx context.Context) (model.OneTimePassword, authResult) {
	s.update(func(st *State) {
		st.Phase = PhaseAuthorizing
		st.WrongInput = false
	})

	outcome, err := s.auth.Begin(ctx, s.params.Method)

	for {
		switch {
		case err != nil && errors.Is(err, pay.ErrWrongInput):
			s.update(func(st *State) {
				st.Need = outcome.Need
				st.WrongInput = true
			})
		case err != nil:
			if ctx.Err() != nil {
				return model.OneTimePassword{}, authEnded
			}
			s.fail(classifyAuthError(err), err)
			return model.OneTimePassword{}, authEnded
		case outcome.OTP != nil:
			s.update(func(st *State) {
				st.Need = ""
				st.WrongInput = false
			})
			return *outcome.OTP, authOK
		default:
			s.update(func(st *State) {
				st.Need = outcome.Need
				st.WrongInput = false
			})
		}

		select {
		case <-ctx.Done():
			return model.OneTimePassword{}, authEnded
		case ev := <-s.events:
			switch ev.kind {
			case evCancel:
				s.update(func(st *State) { st.Phase = PhaseCanceledByUser })
				return model.OneTimePassword{}, authEnded
			case evAbandon:
				s.update(func(st *State) { st.Need = "" })
				return model.OneTimePassword{}, authAbandoned
			case evInput:
				outcome, err = s.auth.Provide(ctx, ev.factor, ev.value)
			}
		}
	}
}

// purchase выполняет авторизацию и оплату по переданному снимку колонки.
// Идентификатор транзакции генерируется один раз до первой авторизации и
// повторно используется дословно при каждой попытке отправки: для сервера
// повтор после транспортного сбоя идемпотентен.
func (s *Session) purchase(ctx context.Context, snap model.PumpSnapshot) flowOutcome {
	transactionID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < maxPaymentAttempts; attempt++ {
		code, res := s.authorize(ctx)
		switch res {
		case authEnded:
			return flowDone
		case authAbandoned:
			return flowRewatch
		}

		s.update(func(st *State) {
			st.Phase = PhasePaying
			st.TransactionID = transactionID
		})

		req := txn.PaymentRequest{
			GasStationID:    s.params.GasStationID,
			PumpID:          s.params.PumpID,
			Process:         snap.FuelingProcess,
			PaymentMethodID: s.params.Method.ID,
			Currency:        s.params.Currency,
			OTP:             code,
			TransactionID:   transactionID,
			CarFuelType:     s.params.CarFuelType,
		}
		if snap.FuelingProcess == model.ProcessPostPay {
			if snap.PriceIncludingVAT != nil {
				req.Amount = *snap.PriceIncludingVAT
				req.PriceIncludingVAT = snap.PriceIncludingVAT
			}
			if snap.Currency != "" {
				req.Currency = snap.Currency
			}
		} else {
			req.Amount = s.params.PreAuthAmount
		}

		err := s.payer.Pay(ctx, req)
		if err == nil {
			return s.settle(ctx, snap, transactionID)
		}
		if ctx.Err() != nil {
			// Прерванная отправка не повторяется: состояние сервера
			// неоднозначно, итог смотрят в истории транзакций.
			return flowDone
		}
		if errors.Is(err, pay.ErrProductDenied) {
			return s.fail(ErrorKindProductDenied, err)
		}

		// Транспортный сбой: токен израсходован, авторизация повторяется с
		// начала каскада, но с тем же идентификатором транзакции.
		lastErr = err
		s.logger.Warn("payment attempt failed, restarting authorization",
			zap.String("transaction", transactionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return s.fail(ErrorKindPayment, lastErr)
}

// settle завершает успешно отправленный платёж: post-pay фиксируется сразу,
// pre-auth продолжает наблюдение за фоновой транзакцией.
func (s *Session) settle(ctx context.Context, snap model.PumpSnapshot, transactionID string) flowOutcome {
	if snap.FuelingProcess == model.ProcessPostPay {
		s.complete(snap, transactionID)
		return flowDone
	}

	return s.watchPreAuth(ctx, snap, transactionID)
}

// watchPreAuth наблюдает за колонкой после отправки pre-auth платежа до
// завершения или отмены фоновой транзакции.
func (s *Session) watchPreAuth(ctx context.Context, snap model.PumpSnapshot, transactionID string) flowOutcome {
	s.update(func(st *State) { st.Phase = PhaseAwaitingPump })

	watchSnap := snap
	watchSnap.TransactionID = &transactionID

	watch := s.engine.Watch(ctx, watchSnap)
	for {
		select {
		case <-ctx.Done():
			return flowDone
		case ev := <-s.events:
			if ev.kind != evCancel {
				continue
			}
			// Отмена допустима, только пока заправка не началась.
			if _, free := s.lastStatus.(pump.Free); !free {
				s.logger.Info("cancel ignored, fueling in progress",
					zap.String("transaction", transactionID))
				continue
			}
			if res := s.engine.CancelPreAuth(ctx, transactionID); res.Successful {
				s.update(func(st *State) {
					st.Phase = PhaseCanceledByUser
					st.CancelFailed = false
				})
				return flowDone
			}
			// Неуспешная отмена — мягкий сбой с возможностью повторить.
			s.update(func(st *State) { st.CancelFailed = true })
		case we, ok := <-watch:
			if !ok {
				return flowDone
			}
			if we.Err != nil {
				return s.fail(classifyWatchError(we.Err), we.Err)
			}
			s.lastStatus = we.Status
			switch status := we.Status.(type) {
			case pump.Done:
				s.complete(watchSnap, status.TransactionID)
				return flowDone
			case pump.Canceled:
				if status.Successful {
					s.update(func(st *State) {
						st.Phase = PhaseCanceledByUser
						st.CancelFailed = false
					})
					return flowDone
				}
				s.update(func(st *State) { st.CancelFailed = true })
			case pump.Locked:
				return flowRestart
			case pump.OutOfOrder:
				return s.fail(ErrorKindOutOfOrder, errors.New("pump out of order"))
			default:
				s.update(func(st *State) { st.PumpStatus = statusLabel(we.Status) })
			}
		}
	}
}

func (s *Session) complete(snap model.PumpSnapshot, transactionID string) {
	s.update(func(st *State) {
		st.Phase = PhaseCompleted
		st.TransactionID = transactionID
	})

	s.logger.Info("fueling session completed",
		zap.String("pump", s.params.PumpID),
		zap.String("transaction", transactionID))

	if s.onComplete == nil {
		return
	}

	tx := model.Transaction{
		ID:              transactionID,
		Process:         snap.FuelingProcess,
		GasStationID:    s.params.GasStationID,
		PumpID:          s.params.PumpID,
		PaymentMethodID: s.params.Method.ID,
		Currency:        s.params.Currency,
		ProductName:     snap.ProductName,
	}
	if snap.Currency != "" {
		tx.Currency = snap.Currency
	}
	if snap.PriceIncludingVAT != nil {
		// Округление, а не усечение: 8.20 в двоичном виде чуть меньше 8.2.
		cents := int64(math.Round(*snap.PriceIncludingVAT * 100))
		tx.PriceCents = &cents
	}
	s.onComplete(tx)
}

func classifyWatchError(err error) string {
	if errors.Is(err, pump.ErrIllegalStatus) {
		return ErrorKindIllegalStatus
	}
	return ErrorKindNetwork
}

func classifyAuthError(err error) string {
	if errors.Is(err, pay.ErrProductDenied) {
		return ErrorKindProductDenied
	}
	return ErrorKindNetwork
}

func statusLabel(s pump.Status) string {
	switch s.(type) {
	case pump.Free:
		return "FREE"
	case pump.InUse:
		return "INUSE"
	case pump.InTransaction:
		return "INTRANSACTION"
	case pump.Pending:
		return "PENDING"
	case pump.ReadyToPay:
		return "READYTOPAY"
	case pump.Locked:
		return "LOCKED"
	case pump.Done:
		return "DONE"
	case pump.Canceled:
		return "CANCELED"
	case pump.OutOfOrder:
		return "OUTOFORDER"
	default:
		return "UNKNOWN"
	}
}
