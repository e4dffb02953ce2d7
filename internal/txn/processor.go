// Package txn реализует протокол оплаты: авторизация платёжного токена и
// отправка платежа с клиентской идемпотентностью.
package txn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/fueling"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/pay"
)

// PayAPI описывает операции Pay API, используемые процессором.
type PayAPI interface {
	AuthorizePaymentToken(ctx context.Context, paymentMethodID string, req pay.AuthorizeRequest) (string, error)
}

// FuelingAPI описывает операции Fueling API, используемые процессором.
type FuelingAPI interface {
	SubmitTransaction(ctx context.Context, gasStationID string, req fueling.TransactionRequest) error
	CancelTransaction(ctx context.Context, gasStationID, transactionID string) error
}

// Processor выполняет платёжный протокол одной сессии.
type Processor struct {
	pay     PayAPI
	fueling FuelingAPI
	logger  *zap.Logger
}

// NewProcessor создаёт процессор платежей.
func NewProcessor(payAPI PayAPI, fuelingAPI FuelingAPI, logger *zap.Logger) *Processor {
	return &Processor{
		pay:     payAPI,
		fueling: fuelingAPI,
		logger:  logger,
	}
}

// PaymentRequest — параметры одного платежа. TransactionID генерируется
// вызывающей стороной до авторизации и повторно используется дословно при
// ручном повторе отправки: для сервера отправка идемпотентна.
type PaymentRequest struct {
	GasStationID      string
	PumpID            string
	Process           model.FuelingProcess
	PaymentMethodID   string
	Amount            float64
	Currency          string
	PurposeReferences []string
	OTP               model.OneTimePassword
	TransactionID     string
	PriceIncludingVAT *float64
	CarFuelType       string
}

// AuthorizePaymentToken меняет OTP на платёжный токен. Один вызов, без
// автоматических повторов: повторно использованный OTP недействителен.
func (p *Processor) AuthorizePaymentToken(ctx context.Context, req PaymentRequest) (string, error) {
	purposes := req.PurposeReferences
	if len(purposes) == 0 {
		purposes = []string{"prn:gas-station:" + req.GasStationID}
	}

	token, err := p.pay.AuthorizePaymentToken(ctx, req.PaymentMethodID, pay.AuthorizeRequest{
		Amount:            req.Amount,
		Currency:          req.Currency,
		PurposeReferences: purposes,
		OTP:               req.OTP.Value,
	})
	if err != nil {
		return "", err
	}

	p.logger.Debug("payment token authorized",
		zap.String("transaction", req.TransactionID),
		zap.String("paymentMethod", req.PaymentMethodID))
	return token, nil
}

// SubmitPayment отправляет платёж с ранее выданным токеном. После первой же
// попытки токен считается израсходованным: при сбое вызывающая сторона
// начинает заново с каскада, а не переотправляет тот же токен.
func (p *Processor) SubmitPayment(ctx context.Context, req PaymentRequest, token string) error {
	err := p.fueling.SubmitTransaction(ctx, req.GasStationID, fueling.TransactionRequest{
		PaymentToken:      token,
		TransactionID:     req.TransactionID,
		CarFuelType:       req.CarFuelType,
		PriceIncludingVAT: req.PriceIncludingVAT,
		Currency:          req.Currency,
	})
	if err != nil {
		return fmt.Errorf("submit payment: %w", err)
	}

	p.logger.Info("payment submitted",
		zap.String("transaction", req.TransactionID),
		zap.String("process", string(req.Process)))
	return nil
}

// Pay выполняет протокол целиком: авторизация строго до отправки, без
// переупорядочивания.
func (p *Processor) Pay(ctx context.Context, req PaymentRequest) error {
	token, err := p.AuthorizePaymentToken(ctx, req)
	if err != nil {
		return err
	}
	return p.SubmitPayment(ctx, req, token)
}

// CancelPreAuth отменяет pre-auth транзакцию на стороне Fueling API.
func (p *Processor) CancelPreAuth(ctx context.Context, gasStationID, transactionID string) error {
	return p.fueling.CancelTransaction(ctx, gasStationID, transactionID)
}
