// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/fueling-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSecretNotFound возвращается, если TOTP-секрет пользователя отсутствует.
var ErrSecretNotFound = errors.New("totp secret not found")

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SaveTransaction сохраняет завершённую транзакцию в историю. Вставка
// идемпотентна по идентификатору транзакции: повторное сохранение той же
// транзакции не создаёт вторую запись.
func (r *PostgresRepository) SaveTransaction(ctx context.Context, userID int64, tx model.Transaction) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO transactions
			     (id, user_id, process, gas_station_id, pump_id, payment_method_id, price_cents, currency, product_name)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			tx.ID, userID, string(tx.Process), tx.GasStationID, tx.PumpID,
			tx.PaymentMethodID, tx.PriceCents, tx.Currency, tx.ProductName,
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
}

// GetTransactionsByUser возвращает историю транзакций пользователя.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, process, gas_station_id, pump_id, payment_method_id, price_cents, currency, product_name, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var (
			tx      model.Transaction
			process string
		)
		if err := rows.Scan(&tx.ID, &process, &tx.GasStationID, &tx.PumpID,
			&tx.PaymentMethodID, &tx.PriceCents, &tx.Currency, &tx.ProductName, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Process = model.FuelingProcess(process)
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return txs, nil
}

// GetTotpSecret возвращает зашифрованный TOTP-секрет пользователя либо nil,
// если секрет не установлен.
func (r *PostgresRepository) GetTotpSecret(ctx context.Context, userID int64) (*model.EncryptedTotpSecret, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT secret, digits, period_seconds, algorithm, updated_at
		 FROM totp_secrets
		 WHERE user_id = $1`,
		userID,
	)

	var s model.EncryptedTotpSecret
	err := row.Scan(&s.Secret, &s.Digits, &s.PeriodSeconds, &s.Algorithm, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get totp secret: %w", err)
	}

	return &s, nil
}

// SaveTotpSecret сохраняет TOTP-секрет пользователя, заменяя существующий.
func (r *PostgresRepository) SaveTotpSecret(ctx context.Context, userID int64, secret model.EncryptedTotpSecret) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO totp_secrets (user_id, secret, digits, period_seconds, algorithm, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (user_id) DO UPDATE
			 SET secret = EXCLUDED.secret,
			     digits = EXCLUDED.digits,
			     period_seconds = EXCLUDED.period_seconds,
			     algorithm = EXCLUDED.algorithm,
			     updated_at = now()`,
			userID, secret.Secret, secret.Digits, secret.PeriodSeconds, secret.Algorithm,
		)
		if err != nil {
			return fmt.Errorf("save totp secret: %w", err)
		}
		return nil
	})
}

// DeleteTotpSecret удаляет TOTP-секрет пользователя (отключение биометрии).
func (r *PostgresRepository) DeleteTotpSecret(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM totp_secrets WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("delete totp secret: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSecretNotFound
	}
	return nil
}
