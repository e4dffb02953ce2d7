// Package cascade реализует каскад второго фактора платёжной авторизации:
// биометрия → PIN → пароль → одноразовый код с почты.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fueling-system/internal/model"
	"github.com/mmeshcher/fueling-system/internal/otp"
	"github.com/mmeshcher/fueling-system/internal/pay"
)

// ErrUnexpectedInput возвращается, когда ввод не соответствует ожидаемому фактору.
var ErrUnexpectedInput = errors.New("unexpected input kind")

// BiometryConfirmed — значение ввода, подтверждающее успешную биометрию на устройстве.
const BiometryConfirmed = "confirmed"

// PayAPI описывает операции Pay API, используемые каскадом.
type PayAPI interface {
	GetCredentials(ctx context.Context) (pay.Credentials, error)
	ExchangePIN(ctx context.Context, pin string) (string, error)
	ExchangePassword(ctx context.Context, password string) (string, error)
	RequestMailOTP(ctx context.Context) error
	ExchangeMailOTP(ctx context.Context, code string) (pay.TotpSecret, error)
}

// SecretStore — хранилище зашифрованного TOTP-секрета. Каскад — единственный
// писатель этого ресурса.
type SecretStore interface {
	GetTotpSecret(ctx context.Context, userID int64) (*model.EncryptedTotpSecret, error)
	SaveTotpSecret(ctx context.Context, userID int64, secret model.EncryptedTotpSecret) error
	DeleteTotpSecret(ctx context.Context, userID int64) error
}

// Outcome — результат шага каскада: либо готовый одноразовый пароль, либо
// типизированный запрос интерактивного ввода.
type Outcome struct {
	OTP  *model.OneTimePassword
	Need model.SecondFactor
}

// Cascade — возобновляемая машина состояний авторизации. Каждый интерактивный
// шаг возвращает запрос ввода вместо блокировки; вызывающая сторона передаёт
// значение через Provide, и каскад продолжается.
type Cascade struct {
	pay      PayAPI
	secrets  SecretStore
	keystore otp.Keystore
	logger   *zap.Logger
	userID   int64

	now func() time.Time

	method model.PaymentMethod
	stage  model.SecondFactor
	secret *model.EncryptedTotpSecret
	creds  *pay.Credentials
}

// New создаёт каскад для одного пользователя и одной попытки авторизации.
func New(payAPI PayAPI, secrets SecretStore, keystore otp.Keystore, logger *zap.Logger, userID int64) *Cascade {
	return &Cascade{
		pay:      payAPI,
		secrets:  secrets,
		keystore: keystore,
		logger:   logger,
		userID:   userID,
		now:      time.Now,
	}
}

// Begin начинает каскад для платёжного средства. Без второго фактора каскад
// пропускается: возвращается пустой OTP, учётные эндпоинты не вызываются.
func (c *Cascade) Begin(ctx context.Context, method model.PaymentMethod) (Outcome, error) {
	c.method = method
	c.stage = ""
	c.secret = nil
	c.creds = nil

	if !method.TwoFactor {
		return Outcome{OTP: &model.OneTimePassword{}}, nil
	}

	secret, err := c.secrets.GetTotpSecret(ctx, c.userID)
	if err != nil {
		c.logger.Warn("totp secret lookup failed, biometry unavailable", zap.Error(err))
	}
	if secret != nil {
		c.secret = secret
		c.stage = model.FactorBiometry
		return Outcome{Need: model.FactorBiometry}, nil
	}

	return c.nextCredentialFactor(ctx, "")
}

// Provide передаёт каскаду значение запрошенного фактора и продолжает его.
// Неверный PIN/пароль/код возвращается как pay.ErrWrongInput: этап не
// меняется, ввод можно повторить.
func (c *Cascade) Provide(ctx context.Context, kind model.SecondFactor, value string) (Outcome, error) {
	if c.stage == "" || kind != c.stage {
		return Outcome{}, fmt.Errorf("%w: got %q, awaiting %q", ErrUnexpectedInput, kind, c.stage)
	}

	switch kind {
	case model.FactorBiometry:
		return c.provideBiometry(ctx, value)
	case model.FactorPIN:
		return c.provideCredential(ctx, model.FactorPIN, value)
	case model.FactorPassword:
		return c.provideCredential(ctx, model.FactorPassword, value)
	case model.FactorMailOTP:
		return c.provideMailOTP(ctx, value)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnexpectedInput, kind)
	}
}

func (c *Cascade) provideBiometry(ctx context.Context, value string) (Outcome, error) {
	if value != BiometryConfirmed {
		// Отказ или отмена биометрии — не ошибка, спускаемся к учётным факторам.
		return c.nextCredentialFactor(ctx, "")
	}

	plaintext, err := c.keystore.Decrypt(c.secret.Secret)
	if err != nil {
		c.logger.Info("totp secret decrypt failed, falling back to credentials", zap.Error(err))
		// Ключ хранилища недействителен: секрет больше не расшифровать,
		// держать его нет смысла.
		if delErr := c.secrets.DeleteTotpSecret(ctx, c.userID); delErr != nil {
			c.logger.Warn("stale totp secret delete failed", zap.Error(delErr))
		}
		c.secret = nil
		return c.nextCredentialFactor(ctx, "")
	}

	code, err := otp.Generate(plaintext, c.secret.Digits, c.secret.PeriodSeconds, c.secret.Algorithm, c.now())
	if err != nil {
		c.logger.Info("totp generation failed, falling back to credentials", zap.Error(err))
		return c.nextCredentialFactor(ctx, "")
	}

	c.stage = ""
	return Outcome{OTP: &model.OneTimePassword{Value: code}}, nil
}

func (c *Cascade) provideCredential(ctx context.Context, kind model.SecondFactor, value string) (Outcome, error) {
	var (
		serverOTP string
		err       error
	)
	if kind == model.FactorPIN {
		serverOTP, err = c.pay.ExchangePIN(ctx, value)
	} else {
		serverOTP, err = c.pay.ExchangePassword(ctx, value)
	}

	switch {
	case err == nil:
		c.stage = ""
		return Outcome{OTP: &model.OneTimePassword{Value: serverOTP}}, nil
	case errors.Is(err, pay.ErrWrongInput):
		// Этап сохраняется: вызывающая сторона запрашивает ввод повторно.
		return Outcome{Need: kind}, pay.ErrWrongInput
	case errors.Is(err, pay.ErrNotConfigured):
		// Сервер считает фактор не настроенным: продвигаемся дальше.
		return c.nextCredentialFactor(ctx, kind)
	default:
		return Outcome{}, fmt.Errorf("exchange %s: %w", kind, err)
	}
}

func (c *Cascade) provideMailOTP(ctx context.Context, value string) (Outcome, error) {
	secret, err := c.pay.ExchangeMailOTP(ctx, value)
	if err != nil {
		if errors.Is(err, pay.ErrWrongInput) {
			return Outcome{Need: model.FactorMailOTP}, pay.ErrWrongInput
		}
		return Outcome{}, fmt.Errorf("exchange mail otp: %w", err)
	}

	encrypted, err := c.keystore.Encrypt(secret.Secret)
	if err != nil {
		return Outcome{}, fmt.Errorf("encrypt totp secret: %w", err)
	}

	stored := model.EncryptedTotpSecret{
		Secret:        encrypted,
		Digits:        secret.Digits,
		PeriodSeconds: secret.PeriodSeconds,
		Algorithm:     secret.Algorithm,
		UpdatedAt:     c.now(),
	}
	if err := c.secrets.SaveTotpSecret(ctx, c.userID, stored); err != nil {
		// Код всё равно можно вычислить; без сохранённого секрета следующая
		// попытка просто снова пойдёт через почту.
		c.logger.Warn("totp secret save failed", zap.Error(err))
	}

	code, err := otp.Generate(secret.Secret, secret.Digits, secret.PeriodSeconds, secret.Algorithm, c.now())
	if err != nil {
		return Outcome{}, fmt.Errorf("generate totp: %w", err)
	}

	c.stage = ""
	return Outcome{OTP: &model.OneTimePassword{Value: code}}, nil
}

// nextCredentialFactor выбирает следующий серверный фактор после after
// (пустое значение — начать с первого).
func (c *Cascade) nextCredentialFactor(ctx context.Context, after model.SecondFactor) (Outcome, error) {
	if c.creds == nil {
		creds, err := c.pay.GetCredentials(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("get credentials: %w", err)
		}
		c.creds = &creds
	}

	if after == "" && c.creds.PINSet {
		c.stage = model.FactorPIN
		return Outcome{Need: model.FactorPIN}, nil
	}

	if (after == "" || after == model.FactorPIN) && c.creds.PasswordSet {
		c.stage = model.FactorPassword
		return Outcome{Need: model.FactorPassword}, nil
	}

	if err := c.pay.RequestMailOTP(ctx); err != nil {
		return Outcome{}, fmt.Errorf("request mail otp: %w", err)
	}
	c.stage = model.FactorMailOTP
	return Outcome{Need: model.FactorMailOTP}, nil
}
