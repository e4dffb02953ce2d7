// Package otp реализует расшифровку TOTP-секрета и вычисление одноразовых кодов.
package otp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/mmeshcher/fueling-system/internal/model"
)

// ErrKeystoreInvalidated возвращается, когда расшифровать секрет невозможно
// (ключ хранилища сменился или данные повреждены). Каскад трактует это как
// «биометрия больше недоступна», а не как фатальную ошибку.
var ErrKeystoreInvalidated = errors.New("keystore invalidated")

// Keystore выполняет симметричное шифрование TOTP-секрета.
type Keystore interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESKeystore — реализация Keystore на AES-GCM с локальным ключом.
type AESKeystore struct {
	key []byte
}

// NewAESKeystore создаёт хранилище с ключом длиной 16, 24 или 32 байта.
func NewAESKeystore(key []byte) (*AESKeystore, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("keystore key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	return &AESKeystore{key: key}, nil
}

// Encrypt шифрует секрет; nonce записывается префиксом шифртекста.
func (k *AESKeystore) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt расшифровывает секрет. Любой сбой сводится к ErrKeystoreInvalidated.
func (k *AESKeystore) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrKeystoreInvalidated
	}

	nonce := ciphertext[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, ErrKeystoreInvalidated
	}
	return plaintext, nil
}

func (k *AESKeystore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Generate вычисляет TOTP-код для текущего шага времени по RFC 6238.
func Generate(secret []byte, digits, periodSeconds int, algorithm string, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty totp secret")
	}
	if digits < 6 || digits > 8 {
		return "", fmt.Errorf("unsupported digit count: %d", digits)
	}
	if periodSeconds <= 0 {
		return "", fmt.Errorf("unsupported period: %d", periodSeconds)
	}

	hashFn, err := hashForAlgorithm(algorithm)
	if err != nil {
		return "", err
	}

	counter := uint64(now.Unix()) / uint64(periodSeconds)

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(hashFn, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Динамическое усечение по RFC 4226.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	code := value % uint32(math.Pow10(digits))
	return fmt.Sprintf("%0*d", digits, code), nil
}

func hashForAlgorithm(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case model.AlgorithmSHA1:
		return sha1.New, nil
	case model.AlgorithmSHA256:
		return sha256.New, nil
	case model.AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported totp algorithm: %q", algorithm)
	}
}
