// Package fueling предоставляет клиент Fueling API: статусы колонок и платежи.
package fueling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mmeshcher/fueling-system/internal/apiclient"
	"github.com/mmeshcher/fueling-system/internal/model"
)

// ErrTransactionPending возвращается, пока запись транзакции ещё не видна (404).
var (
	ErrTransactionPending = errors.New("transaction not yet visible")
	// ErrTransactionGone возвращается для аннулированной транзакции (410):
	// трактуется вызывающей стороной как успешная отмена.
	ErrTransactionGone = errors.New("transaction gone")
	// ErrFuelingStarted возвращается при попытке отменить pre-auth после начала заправки (403).
	ErrFuelingStarted = errors.New("fueling already started")
)

// Client инкапсулирует HTTP-взаимодействие с Fueling API.
type Client struct {
	api *apiclient.Client
}

// NewClient создаёт клиент Fueling API по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{api: apiclient.New(baseURL)}
}

// Approaching регистрирует приближение к АЗС: предварительное условие для
// обращений к колонкам этой станции.
func (c *Client) Approaching(ctx context.Context, gasStationID string) error {
	path := fmt.Sprintf("/gas-stations/%s/approaching", url.PathEscape(gasStationID))
	if _, err := c.api.PostJSON(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("approaching: %w", err)
	}
	return nil
}

// GetPump возвращает текущий снимок состояния колонки.
func (c *Client) GetPump(ctx context.Context, gasStationID, pumpID string) (model.PumpSnapshot, error) {
	path := fmt.Sprintf("/gas-stations/%s/pumps/%s",
		url.PathEscape(gasStationID), url.PathEscape(pumpID))

	var snap model.PumpSnapshot
	if _, err := c.api.GetJSON(ctx, path, &snap); err != nil {
		return model.PumpSnapshot{}, fmt.Errorf("get pump: %w", err)
	}

	snap.GasStationID = gasStationID
	snap.PumpID = pumpID
	return snap, nil
}

// WaitForStatusChange выполняет long poll: блокируется, пока сервер не сообщит
// статус, отличный от lastStatus, либо не истечёт серверный таймаут.
func (c *Client) WaitForStatusChange(ctx context.Context, gasStationID, pumpID string, lastStatus model.PumpStatusCode) (model.PumpSnapshot, error) {
	path := fmt.Sprintf("/gas-stations/%s/pumps/%s/wait-on-status-change",
		url.PathEscape(gasStationID), url.PathEscape(pumpID))
	if lastStatus != "" {
		path += "?lastStatus=" + url.QueryEscape(string(lastStatus))
	}

	var snap model.PumpSnapshot
	if _, err := c.api.GetJSONLongPoll(ctx, path, &snap); err != nil {
		return model.PumpSnapshot{}, fmt.Errorf("wait for status change: %w", err)
	}

	snap.GasStationID = gasStationID
	snap.PumpID = pumpID
	return snap, nil
}

// TransactionRequest — тело запроса на отправку платежа по транзакции.
type TransactionRequest struct {
	PaymentToken      string   `json:"paymentToken"`
	TransactionID     string   `json:"transactionId"`
	CarFuelType       string   `json:"carFuelType,omitempty"`
	PriceIncludingVAT *float64 `json:"priceIncludingVAT,omitempty"`
	Currency          string   `json:"currency,omitempty"`
}

// SubmitTransaction отправляет платёж. Вызов не идемпотентен на уровне HTTP и
// никогда не повторяется автоматически; идемпотентность обеспечивает
// transactionId, сгенерированный вызывающей стороной.
func (c *Client) SubmitTransaction(ctx context.Context, gasStationID string, req TransactionRequest) error {
	path := fmt.Sprintf("/gas-stations/%s/transactions", url.PathEscape(gasStationID))
	if _, err := c.api.PostJSON(ctx, path, req, nil); err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	return nil
}

// CancelTransaction отменяет pre-auth транзакцию. 204 — успех, 403 — заправка
// уже началась.
func (c *Client) CancelTransaction(ctx context.Context, gasStationID, transactionID string) error {
	path := fmt.Sprintf("/gas-stations/%s/transactions/%s",
		url.PathEscape(gasStationID), url.PathEscape(transactionID))

	code, err := c.api.Delete(ctx, path)
	if err != nil {
		if code == http.StatusForbidden {
			return ErrFuelingStarted
		}
		return fmt.Errorf("cancel transaction: %w", err)
	}
	return nil
}

// TransactionInfo — состояние фоновой pre-auth транзакции.
type TransactionInfo struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status,omitempty"`
}

// GetTransaction опрашивает состояние транзакции: 404 — запись ещё не видна
// (ErrTransactionPending), 410 — транзакция аннулирована (ErrTransactionGone).
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (TransactionInfo, error) {
	path := "/transactions/" + url.PathEscape(transactionID)

	var info TransactionInfo
	code, err := c.api.GetJSON(ctx, path, &info)
	if err != nil {
		switch code {
		case http.StatusNotFound:
			return TransactionInfo{}, ErrTransactionPending
		case http.StatusGone:
			return TransactionInfo{}, ErrTransactionGone
		}
		return TransactionInfo{}, fmt.Errorf("get transaction: %w", err)
	}

	if info.TransactionID == "" {
		info.TransactionID = transactionID
	}
	return info, nil
}
