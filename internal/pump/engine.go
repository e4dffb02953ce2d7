// Package pump реализует машину состояний колонки: опрос, классификацию и
// наблюдение до терминального статуса.
package pump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/fueling"
	"github.com/mmeshcher/fueling-system/internal/model"
)

// ErrIllegalStatus возвращается для неклассифицируемой комбинации статусов;
// фатально для текущей сессии.
var ErrIllegalStatus = errors.New("illegal pump status")

// Интервал между опросами транзакции, пока сервер отвечает 404.
const transactionPollInterval = 500 * time.Millisecond

// API описывает контракт Fueling API, используемый движком.
type API interface {
	GetPump(ctx context.Context, gasStationID, pumpID string) (model.PumpSnapshot, error)
	WaitForStatusChange(ctx context.Context, gasStationID, pumpID string, lastStatus model.PumpStatusCode) (model.PumpSnapshot, error)
	GetTransaction(ctx context.Context, transactionID string) (fueling.TransactionInfo, error)
	CancelTransaction(ctx context.Context, gasStationID, transactionID string) error
}

// Engine наблюдает за одной колонкой в рамках одной сессии.
type Engine struct {
	api          API
	logger       *zap.Logger
	gasStationID string
	pumpID       string
}

// NewEngine создаёт движок для указанной колонки.
func NewEngine(api API, logger *zap.Logger, gasStationID, pumpID string) *Engine {
	return &Engine{
		api:          api,
		logger:       logger,
		gasStationID: gasStationID,
		pumpID:       pumpID,
	}
}

// InitialSnapshot выполняет одиночный запрос текущего состояния колонки.
// Поле fuelingProcess первого снимка фиксирует семейство статусов на всю сессию.
func (e *Engine) InitialSnapshot(ctx context.Context) (model.PumpSnapshot, error) {
	return e.api.GetPump(ctx, e.gasStationID, e.pumpID)
}

// Classify сводит снимок к типизированному статусу. Для post-pay семейства
// результат — чистая функция от статуса снимка, для pre-auth — от тройки
// (статус, transactionId, предыдущий статус).
func Classify(snap model.PumpSnapshot, lastStatus model.PumpStatusCode) (Status, error) {
	switch snap.FuelingProcess {
	case model.ProcessPostPay:
		return classifyPostPay(snap)
	case model.ProcessPreAuth:
		return classifyPreAuth(snap, lastStatus)
	default:
		return nil, fmt.Errorf("%w: unknown fueling process %q", ErrIllegalStatus, snap.FuelingProcess)
	}
}

func classifyPostPay(snap model.PumpSnapshot) (Status, error) {
	switch snap.Status {
	case model.StatusFree:
		return Free{}, nil
	case model.StatusInUse:
		return InUse{}, nil
	case model.StatusReadyToPay:
		return ReadyToPay{Snapshot: snap}, nil
	case model.StatusOutOfOrder:
		return OutOfOrder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q in post-pay family", ErrIllegalStatus, snap.Status)
	}
}

func classifyPreAuth(snap model.PumpSnapshot, lastStatus model.PumpStatusCode) (Status, error) {
	hasTx := snap.TransactionID != nil

	switch {
	case snap.Status == model.StatusInTransaction,
		!hasTx && (snap.Status == model.StatusFree || snap.Status == model.StatusInUse):
		// Колонкой пользуется другой клиент.
		return InTransaction{}, nil
	case snap.Status == model.StatusLocked && lastStatus == model.StatusInTransaction:
		return Locked{}, nil
	case snap.Status == model.StatusOutOfOrder:
		return OutOfOrder{}, nil
	case hasTx && snap.Status == model.StatusFree:
		return Free{}, nil
	case hasTx && snap.Status == model.StatusInUse:
		return InUse{}, nil
	case hasTx && snap.Status == model.StatusLocked:
		return Pending{}, nil
	case !hasTx:
		return nil, fmt.Errorf("%w: pre-auth %q without transaction id", ErrIllegalStatus, snap.Status)
	default:
		return nil, fmt.Errorf("%w: %q in pre-auth family", ErrIllegalStatus, snap.Status)
	}
}

// Event — элемент потока наблюдения: классифицированный статус либо ошибка.
type Event struct {
	Status Status
	Err    error
}

type pollResult struct {
	snap model.PumpSnapshot
	err  error
}

type txResult struct {
	status Status
	err    error
}

// Watch запускает цикл наблюдения, начиная с переданного снимка. События
// пишутся в возвращаемый канал; на терминальном статусе, ошибке или отмене
// контекста канал закрывается, и все порождённые опросы останавливаются.
//
// Вызовы waitForChange строго последовательны: следующий long poll уходит
// только после завершения предыдущего. Для pre-auth с известной транзакцией
// параллельно запускается опрос getTransaction; обе операции отменяются вместе.
func (e *Engine) Watch(ctx context.Context, initial model.PumpSnapshot) <-chan Event {
	out := make(chan Event, 1)
	go e.watch(ctx, initial, out)
	return out
}

func (e *Engine) watch(ctx context.Context, initial model.PumpSnapshot, out chan<- Event) {
	defer close(out)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var txResults chan txResult

	snap := initial
	var lastStatus model.PumpStatusCode

	for {
		status, err := Classify(snap, lastStatus)
		if err != nil {
			e.logger.Error("pump status classification failed",
				zap.String("pump", e.pumpID), zap.Error(err))
			e.emit(ctx, out, Event{Err: err})
			return
		}

		if !e.emit(ctx, out, Event{Status: status}) {
			return
		}
		if Terminal(status) {
			return
		}

		// Для pre-auth с известной транзакцией статус может разрешиться в
		// фоне: опрашиваем транзакцию параллельно с long poll.
		if txResults == nil && snap.FuelingProcess == model.ProcessPreAuth && snap.TransactionID != nil {
			switch status.(type) {
			case Free, InUse:
				txResults = make(chan txResult, 1)
				go e.pollTransaction(watchCtx, *snap.TransactionID, txResults)
			}
		}

		lastStatus = snap.Status

		next := make(chan pollResult, 1)
		go func(last model.PumpStatusCode) {
			s, err := e.api.WaitForStatusChange(watchCtx, e.gasStationID, e.pumpID, last)
			next <- pollResult{snap: s, err: err}
		}(lastStatus)

		select {
		case <-ctx.Done():
			return
		case res := <-txResults:
			cancel()
			if res.err != nil {
				e.emit(ctx, out, Event{Err: res.err})
				return
			}
			e.emit(ctx, out, Event{Status: res.status})
			return
		case res := <-next:
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				e.emit(ctx, out, Event{Err: res.err})
				return
			}
			snap = res.snap
		}
	}
}

func (e *Engine) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

// pollTransaction опрашивает состояние транзакции: 404 — повтор, 410 —
// успешная отмена, успешный ответ — Done.
func (e *Engine) pollTransaction(ctx context.Context, transactionID string, out chan<- txResult) {
	err := retry.Do(ctx, retry.NewConstant(transactionPollInterval), func(ctx context.Context) error {
		_, err := e.api.GetTransaction(ctx, transactionID)
		if errors.Is(err, fueling.ErrTransactionPending) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		out <- txResult{status: Done{TransactionID: transactionID}}
	case errors.Is(err, fueling.ErrTransactionGone):
		out <- txResult{status: Canceled{Successful: true}}
	case ctx.Err() != nil:
		// Наблюдение остановлено, результат никому не нужен.
	default:
		out <- txResult{err: fmt.Errorf("transaction poll: %w", err)}
	}
}

// CancelPreAuth отменяет pre-auth транзакцию. Сбой отмены не фатален и наружу
// не выходит: при любой ошибке возвращается Canceled{Successful: false} с
// возможностью повторить попытку.
func (e *Engine) CancelPreAuth(ctx context.Context, transactionID string) Canceled {
	if err := e.api.CancelTransaction(ctx, e.gasStationID, transactionID); err != nil {
		e.logger.Warn("pre-auth cancellation failed",
			zap.String("transaction", transactionID), zap.Error(err))
		return Canceled{Successful: false}
	}
	return Canceled{Successful: true}
}
