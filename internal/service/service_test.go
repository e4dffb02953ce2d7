package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/fueling"
	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/orchestrator"
	"github.com/mmeshcher/fueling-system/internal/otp"
	"github.com/mmeshcher/fueling-system/internal/pay"
)

type stubRepo struct {
	saved []model.Transaction

	txs    []model.Transaction
	txsErr error

	secret    *model.EncryptedTotpSecret
	secretErr error

	deleteErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) SaveTransaction(ctx context.Context, userID int64, tx model.Transaction) error {
	s.saved = append(s.saved, tx)
	return nil
}

func (s *stubRepo) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.txs, s.txsErr
}

func (s *stubRepo) GetTotpSecret(ctx context.Context, userID int64) (*model.EncryptedTotpSecret, error) {
	return s.secret, s.secretErr
}

func (s *stubRepo) SaveTotpSecret(ctx context.Context, userID int64, secret model.EncryptedTotpSecret) error {
	s.secret = &secret
	return nil
}

func (s *stubRepo) DeleteTotpSecret(ctx context.Context, userID int64) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.secret = nil
	return nil
}

// pumpServer имитирует Fueling API: колонка свободна и статус не меняется.
func pumpServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/approaching"):
			w.WriteHeader(http.StatusCreated)
		case strings.HasSuffix(r.URL.Path, "/wait-on-status-change"):
			// Долгий опрос: отвечаем тем же статусом после паузы.
			time.Sleep(50 * time.Millisecond)
			fallthrough
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":         "FREE",
				"fuelingProcess": "POSTPAY",
			})
		}
	}))
}

func newTestService(t *testing.T, repo Repository, fuelingURL string) *Service {
	t.Helper()

	logger := zap.NewNop()

	keystore, err := otp.NewAESKeystore([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}

	return NewService(repo, fueling.NewClient(fuelingURL), pay.NewClient(fuelingURL), keystore, logger)
}

func TestStartSession_SecondSessionConflicts(t *testing.T) {
	server := pumpServer(t)
	defer server.Close()

	svc := newTestService(t, &stubRepo{}, server.URL)
	defer svc.Close()

	params := orchestrator.Params{
		GasStationID: "gs-1",
		PumpID:       "2",
		Method:       model.PaymentMethod{ID: "pm-1"},
		Currency:     "EUR",
	}

	if _, err := svc.StartSession(1, "1.deadbeef", params); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}

	_, err := svc.StartSession(1, "1.deadbeef", params)
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartSession error = %v, want ErrSessionExists", err)
	}

	// Другая колонка той же АЗС конфликта не создаёт.
	other := params
	other.PumpID = "3"
	if _, err := svc.StartSession(1, "1.deadbeef", other); err != nil {
		t.Fatalf("StartSession on another pump: %v", err)
	}
}

func TestSessionState_NotFound(t *testing.T) {
	svc := newTestService(t, &stubRepo{}, "http://localhost:1")
	defer svc.Close()

	_, err := svc.SessionState("gs-1", "2")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SessionState error = %v, want ErrSessionNotFound", err)
	}

	if err := svc.ProvideInput("gs-1", "2", model.FactorPIN, "1234"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ProvideInput error = %v, want ErrSessionNotFound", err)
	}

	if err := svc.CloseSession("gs-1", "2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CloseSession error = %v, want ErrSessionNotFound", err)
	}
}

func TestCloseSession_AllowsRestart(t *testing.T) {
	server := pumpServer(t)
	defer server.Close()

	svc := newTestService(t, &stubRepo{}, server.URL)
	defer svc.Close()

	params := orchestrator.Params{
		GasStationID: "gs-1",
		PumpID:       "2",
		Method:       model.PaymentMethod{ID: "pm-1"},
		Currency:     "EUR",
	}

	if _, err := svc.StartSession(1, "1.deadbeef", params); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := svc.CloseSession("gs-1", "2"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if _, err := svc.StartSession(1, "1.deadbeef", params); err != nil {
		t.Fatalf("StartSession after close: %v", err)
	}
}

func TestDisableBiometry(t *testing.T) {
	secret := &model.EncryptedTotpSecret{
		Secret:        []byte("encrypted"),
		Digits:        6,
		PeriodSeconds: 30,
		Algorithm:     model.AlgorithmSHA1,
	}
	repo := &stubRepo{secret: secret}

	svc := newTestService(t, repo, "http://localhost:1")
	defer svc.Close()

	if err := svc.DisableBiometry(context.Background(), 1); err != nil {
		t.Fatalf("DisableBiometry: %v", err)
	}
	if repo.secret != nil {
		t.Fatalf("secret must be removed")
	}
}

func TestGetTransactionsByUser(t *testing.T) {
	repo := &stubRepo{
		txs: []model.Transaction{
			{ID: "tx-1", Process: model.ProcessPostPay},
		},
	}

	svc := newTestService(t, repo, "http://localhost:1")
	defer svc.Close()

	txs, err := svc.GetTransactionsByUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTransactionsByUser: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "tx-1" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}
