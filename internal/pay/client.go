// Package pay предоставляет клиент Pay API: платёжные токены и учётные факторы.
package pay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mmeshcher/fueling-system/internal/apiclient"
	"github.com/mmeshcher/fueling-system/internal/model"
)

// ErrWrongInput возвращается, когда введённый PIN, пароль или почтовый код
// отклонён сервером; локально восстановимо повторным вводом.
var (
	ErrWrongInput = errors.New("wrong credential input")
	// ErrNotConfigured возвращается, когда запрошенный фактор не настроен у пользователя.
	ErrNotConfigured = errors.New("credential not configured")
	// ErrPINNotSecure возвращается при отклонении PIN как небезопасного (406).
	ErrPINNotSecure = errors.New("pin not secure")
	// ErrProductDenied возвращается при отказе платёжного провайдера; терминальная ошибка сессии.
	ErrProductDenied = errors.New("payment denied by provider")
)

// Client инкапсулирует HTTP-взаимодействие с Pay API.
type Client struct {
	api *apiclient.Client
}

// NewClient создаёт клиент Pay API по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{api: apiclient.New(baseURL)}
}

// AuthorizeRequest — тело запроса авторизации платёжного токена.
type AuthorizeRequest struct {
	Amount            float64  `json:"amount"`
	Currency          string   `json:"currency"`
	PurposeReferences []string `json:"purposePRNs"`
	OTP               string   `json:"otp,omitempty"`
}

// AuthorizePaymentToken меняет OTP и сумму на короткоживущий платёжный токен.
// Вызов никогда не повторяется автоматически: повторно использованный OTP
// недействителен.
func (c *Client) AuthorizePaymentToken(ctx context.Context, paymentMethodID string, req AuthorizeRequest) (string, error) {
	path := fmt.Sprintf("/payment-methods/%s/authorize", url.PathEscape(paymentMethodID))

	var resp struct {
		Token string `json:"token"`
	}
	code, err := c.api.PostJSON(ctx, path, req, &resp)
	if err != nil {
		if code == http.StatusForbidden {
			return "", ErrProductDenied
		}
		return "", fmt.Errorf("authorize payment token: %w", err)
	}
	return resp.Token, nil
}

// Credentials сообщает, какие учётные факторы настроены у пользователя.
type Credentials struct {
	PINSet      bool `json:"pin"`
	PasswordSet bool `json:"password"`
}

// GetCredentials возвращает состояние настроенных факторов.
func (c *Client) GetCredentials(ctx context.Context) (Credentials, error) {
	var creds Credentials
	if _, err := c.api.GetJSON(ctx, "/credentials", &creds); err != nil {
		return Credentials{}, fmt.Errorf("get credentials: %w", err)
	}
	return creds, nil
}

// ExchangePIN меняет PIN на серверный OTP. Неверный PIN сервер сообщает
// кодом 404, отсутствие настроенного PIN — кодом 403.
func (c *Client) ExchangePIN(ctx context.Context, pin string) (string, error) {
	return c.exchangeCredential(ctx, "/credentials/pin", map[string]string{"pin": pin})
}

// ExchangePassword меняет пароль на серверный OTP. Коды отказа аналогичны PIN.
func (c *Client) ExchangePassword(ctx context.Context, password string) (string, error) {
	return c.exchangeCredential(ctx, "/credentials/password", map[string]string{"password": password})
}

func (c *Client) exchangeCredential(ctx context.Context, path string, body map[string]string) (string, error) {
	var resp struct {
		OTP string `json:"otp"`
	}
	code, err := c.api.PostJSON(ctx, path, body, &resp)
	if err != nil {
		switch code {
		case http.StatusNotFound:
			return "", ErrWrongInput
		case http.StatusForbidden:
			return "", ErrNotConfigured
		case http.StatusNotAcceptable:
			return "", ErrPINNotSecure
		}
		return "", fmt.Errorf("exchange credential: %w", err)
	}
	return resp.OTP, nil
}

// RequestMailOTP инициирует отправку одноразового кода на почту пользователя.
func (c *Client) RequestMailOTP(ctx context.Context) error {
	if _, err := c.api.PostJSON(ctx, "/credentials/mail-otp", nil, nil); err != nil {
		return fmt.Errorf("request mail otp: %w", err)
	}
	return nil
}

// TotpSecret — TOTP-секрет устройства, выданный сервером в обмен на почтовый код.
type TotpSecret struct {
	Secret        []byte `json:"secret"`
	Digits        int    `json:"digits"`
	PeriodSeconds int    `json:"period"`
	Algorithm     string `json:"algorithm"`
}

// ExchangeMailOTP меняет почтовый код на TOTP-секрет устройства; попутно для
// пользователя включается биометрия. Неверный код сервер сообщает кодом 403.
func (c *Client) ExchangeMailOTP(ctx context.Context, otp string) (TotpSecret, error) {
	var secret TotpSecret
	code, err := c.api.PostJSON(ctx, "/totp", map[string]string{"otp": otp}, &secret)
	if err != nil {
		if code == http.StatusForbidden {
			return TotpSecret{}, ErrWrongInput
		}
		return TotpSecret{}, fmt.Errorf("exchange mail otp: %w", err)
	}

	if secret.Digits == 0 {
		secret.Digits = 6
	}
	if secret.PeriodSeconds == 0 {
		secret.PeriodSeconds = 30
	}
	if secret.Algorithm == "" {
		secret.Algorithm = model.AlgorithmSHA1
	}
	return secret, nil
}
