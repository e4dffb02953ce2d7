// Package service реализует бизнес-логику сервиса подключённой заправки.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/apiclient"
	"github.com/mmeshcher/fueling-system/internal/cascade"
	"github.com/mmeshcher/fueling-system/internal/fueling"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/orchestrator"
	"github.com/mmeshcher/fueling-system/internal/otp"
	"github.com/mmeshcher/fueling-system/internal/pay"
	"github.com/mmeshcher/fueling-system/internal/pump"
	"github.com/mmeshcher/fueling-system/internal/txn"
)

// ErrSessionExists возвращается при попытке открыть вторую сессию на ту же колонку.
var (
	ErrSessionExists = errors.New("fueling session already exists for this pump")
	// ErrSessionNotFound возвращается, если сессия для колонки не открыта.
	ErrSessionNotFound = errors.New("fueling session not found")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	SaveTransaction(ctx context.Context, userID int64, tx model.Transaction) error
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error)
	GetTotpSecret(ctx context.Context, userID int64) (*model.EncryptedTotpSecret, error)
	SaveTotpSecret(ctx context.Context, userID int64, secret model.EncryptedTotpSecret) error
	DeleteTotpSecret(ctx context.Context, userID int64) error
}

// Service управляет заправочными сессиями: не более одной активной сессии на
// колонку, каждая сессия — отдельный логический поток.
type Service struct {
	repo     Repository
	fueling  *fueling.Client
	pay      *pay.Client
	keystore otp.Keystore
	logger   *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

// NewService создаёт сервис с указанными клиентами внешних API и хранилищем.
func NewService(repo Repository, fuelingClient *fueling.Client, payClient *pay.Client,
	keystore otp.Keystore, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:     repo,
		fueling:  fuelingClient,
		pay:      payClient,
		keystore: keystore,
		logger:   logger,
		baseCtx:  ctx,
		stop:     cancel,
		sessions: make(map[string]*orchestrator.Session),
	}
}

// Close останавливает все сессии и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.stop()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func sessionKey(gasStationID, pumpID string) string {
	return gasStationID + "/" + pumpID
}

// StartSession открывает заправочную сессию для колонки. Bearer-токен
// пользователя сопровождает все исходящие запросы сессии.
func (s *Service) StartSession(userID int64, token string, params orchestrator.Params) (orchestrator.State, error) {
	key := sessionKey(params.GasStationID, params.PumpID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[key]; ok {
		select {
		case <-existing.Done():
			// Предыдущая сессия завершена, её можно заменить.
		default:
			return orchestrator.State{}, ErrSessionExists
		}
	}

	logger := s.logger.With(
		zap.String("gasStation", params.GasStationID),
		zap.String("pump", params.PumpID))

	engine := pump.NewEngine(s.fueling, logger, params.GasStationID, params.PumpID)
	auth := cascade.New(s.pay, s.repo, s.keystore, logger, userID)
	processor := txn.NewProcessor(s.pay, s.fueling, logger)

	onComplete := func(tx model.Transaction) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.repo.SaveTransaction(saveCtx, userID, tx); err != nil {
			s.logger.Error("save transaction failed",
				zap.String("transaction", tx.ID), zap.Error(err))
		}
	}

	session := orchestrator.NewSession(engine, auth, processor, s.fueling, logger, params, onComplete)
	s.sessions[key] = session

	session.Start(apiclient.WithToken(s.baseCtx, token))

	return session.State(), nil
}

func (s *Service) session(gasStationID, pumpID string) (*orchestrator.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionKey(gasStationID, pumpID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// SessionState возвращает состояние сессии колонки.
func (s *Service) SessionState(gasStationID, pumpID string) (orchestrator.State, error) {
	session, err := s.session(gasStationID, pumpID)
	if err != nil {
		return orchestrator.State{}, err
	}
	return session.State(), nil
}

// ProvideInput передаёт сессии введённое пользователем значение фактора.
func (s *Service) ProvideInput(gasStationID, pumpID string, kind model.SecondFactor, value string) error {
	session, err := s.session(gasStationID, pumpID)
	if err != nil {
		return err
	}
	return session.ProvideInput(kind, value)
}

// AbandonInput сообщает сессии об отказе пользователя от ввода.
func (s *Service) AbandonInput(gasStationID, pumpID string) error {
	session, err := s.session(gasStationID, pumpID)
	if err != nil {
		return err
	}
	return session.AbandonInput()
}

// RequestCancel запрашивает отмену сессии пользователем.
func (s *Service) RequestCancel(gasStationID, pumpID string) error {
	session, err := s.session(gasStationID, pumpID)
	if err != nil {
		return err
	}
	return session.RequestCancel()
}

// CloseSession останавливает сессию и освобождает колонку (уход с экрана).
func (s *Service) CloseSession(gasStationID, pumpID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(gasStationID, pumpID)
	session, ok := s.sessions[key]
	if !ok {
		return ErrSessionNotFound
	}

	session.Close()
	delete(s.sessions, key)
	return nil
}

// GetTransactionsByUser возвращает историю транзакций пользователя.
func (s *Service) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByUser(ctx, userID)
}

// DisableBiometry удаляет TOTP-секрет пользователя.
func (s *Service) DisableBiometry(ctx context.Context, userID int64) error {
	return s.repo.DeleteTotpSecret(ctx, userID)
}
