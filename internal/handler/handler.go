// Package handler содержит HTTP-обработчики API сервиса подключённой заправки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/middleware"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/orchestrator"
	"github.com/mmeshcher/fueling-system/internal/repository"
	"github.com/mmeshcher/fueling-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	StartSession(userID int64, token string, params orchestrator.Params) (orchestrator.State, error)
	SessionState(gasStationID, pumpID string) (orchestrator.State, error)
	ProvideInput(gasStationID, pumpID string, kind model.SecondFactor, value string) error
	AbandonInput(gasStationID, pumpID string) error
	RequestCancel(gasStationID, pumpID string) error
	CloseSession(gasStationID, pumpID string) error
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error)
	DisableBiometry(ctx context.Context, userID int64) error
}

// Handler реализует HTTP-обработчики API сервиса подключённой заправки.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type startSessionRequest struct {
	PaymentMethod model.PaymentMethod `json:"paymentMethod"`
	Currency      string              `json:"currency"`
	PreAuthAmount float64             `json:"preAuthAmount"`
	CarFuelType   string              `json:"carFuelType"`
}

// StartSession открывает заправочную сессию для колонки.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	token, _ := middleware.GetTokenFromContext(r.Context())

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PaymentMethod.ID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	params := orchestrator.Params{
		GasStationID:  chi.URLParam(r, "gasStationID"),
		PumpID:        chi.URLParam(r, "pumpID"),
		Method:        req.PaymentMethod,
		Currency:      req.Currency,
		PreAuthAmount: req.PreAuthAmount,
		CarFuelType:   req.CarFuelType,
	}

	state, err := h.service.StartSession(userID, token, params)
	if err != nil {
		if errors.Is(err, service.ErrSessionExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("start session error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, state)
}

// GetSession возвращает текущее состояние сессии.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SessionState(chi.URLParam(r, "gasStationID"), chi.URLParam(r, "pumpID"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

type inputRequest struct {
	Kind  model.SecondFactor `json:"kind"`
	Value string             `json:"value"`
}

// ProvideInput принимает значение запрошенного фактора авторизации.
func (h *Handler) ProvideInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Kind == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ProvideInput(chi.URLParam(r, "gasStationID"), chi.URLParam(r, "pumpID"), req.Kind, req.Value)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// AbandonInput сообщает об отказе пользователя от ввода фактора.
func (h *Handler) AbandonInput(w http.ResponseWriter, r *http.Request) {
	err := h.service.AbandonInput(chi.URLParam(r, "gasStationID"), chi.URLParam(r, "pumpID"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CancelSession запрашивает отмену сессии пользователем.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	err := h.service.RequestCancel(chi.URLParam(r, "gasStationID"), chi.URLParam(r, "pumpID"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CloseSession останавливает сессию при уходе пользователя с экрана заправки.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	err := h.service.CloseSession(chi.URLParam(r, "gasStationID"), chi.URLParam(r, "pumpID"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTransactions возвращает историю транзакций пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txs, err := h.service.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, txs)
}

// DisableBiometry удаляет TOTP-секрет пользователя.
func (h *Handler) DisableBiometry(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.DisableBiometry(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrSecretNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("disable biometry error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrSessionClosed):
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
	case errors.Is(err, orchestrator.ErrSessionBusy):
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	default:
		h.logger.Error("session error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
