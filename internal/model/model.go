// Package model содержит доменные сущности сервиса подключённой заправки.
package model

import "time"

// FuelingProcess определяет схему оплаты, которую поддерживает колонка.
type FuelingProcess string

const (
	// ProcessPostPay — сначала заправка, оплата после.
	ProcessPostPay FuelingProcess = "POSTPAY"
	// ProcessPreAuth — сначала авторизация предельной суммы, затем заправка.
	ProcessPreAuth FuelingProcess = "PREAUTH"
)

// PumpStatusCode описывает «сырой» статус колонки, как его сообщает Fueling API.
type PumpStatusCode string

const (
	StatusFree          PumpStatusCode = "FREE"
	StatusInUse         PumpStatusCode = "INUSE"
	StatusReadyToPay    PumpStatusCode = "READYTOPAY"
	StatusLocked        PumpStatusCode = "LOCKED"
	StatusInTransaction PumpStatusCode = "INTRANSACTION"
	StatusOutOfOrder    PumpStatusCode = "OUTOFORDER"
)

// PumpSnapshot — неизменяемый снимок состояния колонки, результат одного опроса.
// Снимок никогда не мутируется, каждый опрос порождает новый.
type PumpSnapshot struct {
	GasStationID      string         `json:"gasStationId"`
	PumpID            string         `json:"pumpId"`
	Status            PumpStatusCode `json:"status"`
	FuelingProcess    FuelingProcess `json:"fuelingProcess"`
	TransactionID     *string        `json:"transactionId,omitempty"`
	FuelAmount        *float64       `json:"fuelAmount,omitempty"`
	PricePerUnit      *float64       `json:"pricePerUnit,omitempty"`
	PriceIncludingVAT *float64       `json:"priceIncludingVAT,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	ProductName       string         `json:"productName,omitempty"`
}

// PaymentMethodKind описывает тип платёжного средства.
type PaymentMethodKind string

const (
	PaymentMethodPayPal PaymentMethodKind = "paypal"
	PaymentMethodCard   PaymentMethodKind = "card"
)

// PaymentMethod — платёжное средство, выбранное пользователем.
// Входные данные каскада авторизации, принадлежат вызывающей стороне.
type PaymentMethod struct {
	ID           string            `json:"id"`
	Kind         PaymentMethodKind `json:"kind"`
	TwoFactor    bool              `json:"twoFactor"`
	MerchantName string            `json:"merchantName,omitempty"`
}

// SecondFactor определяет второй фактор, выбранный для одной попытки авторизации.
type SecondFactor string

const (
	FactorBiometry SecondFactor = "biometry"
	FactorPIN      SecondFactor = "pin"
	FactorPassword SecondFactor = "password"
	FactorMailOTP  SecondFactor = "mail_otp"
)

// Идентификаторы HMAC-алгоритмов TOTP-секрета.
const (
	AlgorithmSHA1   = "SHA1"
	AlgorithmSHA256 = "SHA256"
	AlgorithmSHA512 = "SHA512"
)

// EncryptedTotpSecret — зашифрованный TOTP-секрет устройства.
// Создаётся один раз при включении биометрии, удаляется при её отключении,
// в расшифрованном виде никогда не передаётся по сети.
type EncryptedTotpSecret struct {
	Secret        []byte    `json:"-"`
	Digits        int       `json:"digits"`
	PeriodSeconds int       `json:"periodSeconds"`
	Algorithm     string    `json:"algorithm"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// OneTimePassword — одноразовый пароль: либо выданный сервером в обмен на
// PIN/пароль, либо TOTP-код, вычисленный локально. Одноразовый: повторное
// использование между двумя вызовами авторизации запрещено.
type OneTimePassword struct {
	Value string
}

// Empty сообщает, что OTP отсутствует (платёжное средство без второго фактора).
func (o OneTimePassword) Empty() bool {
	return o.Value == ""
}

// Transaction описывает завершённую или отменённую заправочную транзакцию.
// Идентификатор генерируется на клиенте до вызова авторизации и обеспечивает
// идемпотентность отправки платежа.
type Transaction struct {
	ID              string         `json:"id"`
	Process         FuelingProcess `json:"process"`
	GasStationID    string         `json:"gasStationId"`
	PumpID          string         `json:"pumpId"`
	PaymentMethodID string         `json:"paymentMethodId"`
	PriceCents      *int64         `json:"priceCents,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	ProductName     string         `json:"productName,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}
