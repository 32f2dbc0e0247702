// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/medledger-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTransactionNotFound возвращается, если запись о доходе не найдена.
var (
	ErrTransactionNotFound = errors.New("earning transaction not found")
	// ErrTransactionVoided возвращается при попытке аннулировать уже аннулированную запись.
	ErrTransactionVoided = errors.New("earning transaction already voided")
	// ErrWithdrawalNotFound возвращается, если заявка на вывод не найдена.
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	// ErrWithdrawalStateChanged возвращается, если статус заявки изменился между чтением и записью.
	ErrWithdrawalStateChanged = errors.New("withdrawal request state changed")
	// ErrSummaryNotFound возвращается, если сводка для врача ещё не рассчитана.
	ErrSummaryNotFound = errors.New("doctor summary not found")
	// ErrInsufficientBalance возвращается при попытке вывода суммы, превышающей доступный баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

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

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
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
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateEarning сохраняет новую запись о доходе врача.
func (r *PostgresRepository) CreateEarning(ctx context.Context, e *model.EarningTransaction) (*model.EarningTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO earning_transactions
		 (doctor_id, type, amount, description, appointment_id, patient_id, patient_name, consultation_date, consultation_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		e.DoctorID, string(e.Type), e.Amount, e.Description,
		e.AppointmentID, e.PatientID, e.PatientName, e.ConsultationDate, e.ConsultationType,
		string(e.Status),
	)

	created := *e
	if err := row.Scan(&created.ID, &created.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert earning: %w", err)
	}

	return &created, nil
}

// VoidEarning аннулирует завершённую запись о доходе. Запись не удаляется,
// меняется только статус — аудит сохраняется.
func (r *PostgresRepository) VoidEarning(ctx context.Context, id int64) (*model.EarningTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE earning_transactions
		 SET status = $2
		 WHERE id = $1 AND status = $3
		 RETURNING id, doctor_id, type, amount, description, appointment_id, patient_id, patient_name, consultation_date, consultation_type, status, created_at`,
		id, string(model.EarningStatusVoided), string(model.EarningStatusCompleted),
	)

	e, err := scanEarning(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("void earning: %w", err)
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM earning_transactions WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check earning status: %w", err)
	}

	return nil, fmt.Errorf("%w: status %s", ErrTransactionVoided, status)
}

// GetEarningsByDoctor возвращает записи о доходах врача, новые первыми.
func (r *PostgresRepository) GetEarningsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]model.EarningTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, doctor_id, type, amount, description, appointment_id, patient_id, patient_name, consultation_date, consultation_type, status, created_at
		 FROM earning_transactions
		 WHERE doctor_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		doctorID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select earnings: %w", err)
	}
	defer rows.Close()

	var res []model.EarningTransaction
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type earningScanner interface {
	Scan(dest ...any) error
}

func scanEarning(row earningScanner) (*model.EarningTransaction, error) {
	var (
		e      model.EarningTransaction
		typ    string
		status string
	)
	err := row.Scan(&e.ID, &e.DoctorID, &typ, &e.Amount, &e.Description,
		&e.AppointmentID, &e.PatientID, &e.PatientName, &e.ConsultationDate, &e.ConsultationType,
		&status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.EarningType(typ)
	e.Status = model.EarningStatus(status)
	return &e, nil
}

// availableForWithdrawal считает сумму, доступную для новой заявки: завершённые
// доходы минус завершённые выводы минус незавершённые (pending/processing) заявки.
// excludeRequest исключает из расчёта саму проверяемую заявку при повторной проверке.
func availableForWithdrawal(ctx context.Context, tx pgx.Tx, doctorID int64, excludeRequest *uuid.UUID) (decimal.Decimal, error) {
	var earned decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM earning_transactions
		 WHERE doctor_id = $1 AND status = $2`,
		doctorID, string(model.EarningStatusCompleted),
	).Scan(&earned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum earnings: %w", err)
	}

	exclude := uuid.Nil
	if excludeRequest != nil {
		exclude = *excludeRequest
	}

	var reserved decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM withdrawal_requests
		 WHERE doctor_id = $1 AND status <> $2 AND request_id <> $3`,
		doctorID, string(model.WithdrawalStatusRejected), exclude,
	).Scan(&reserved)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum withdrawals: %w", err)
	}

	return earned.Sub(reserved), nil
}

// CreateWithdrawal создаёт заявку на вывод средств. Advisory-блокировка по врачу
// сериализует параллельные заявки, чтобы они совместно не превысили баланс.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	var created *model.WithdrawalRequest

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, w.DoctorID); err != nil {
			return fmt.Errorf("lock doctor: %w", err)
		}

		available, err := availableForWithdrawal(ctx, tx, w.DoctorID, nil)
		if err != nil {
			return err
		}

		if w.Amount.GreaterThan(available) {
			return ErrInsufficientBalance
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO withdrawal_requests
			 (request_id, doctor_id, amount, method, payment_details, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING request_date`,
			w.RequestID, w.DoctorID, w.Amount, string(w.Method), w.PaymentDetails,
			string(model.WithdrawalStatusPending),
		)

		c := *w
		c.Status = model.WithdrawalStatusPending
		if err := row.Scan(&c.RequestDate); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		created = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// GetWithdrawal возвращает заявку на вывод по идентификатору.
func (r *PostgresRepository) GetWithdrawal(ctx context.Context, requestID uuid.UUID) (*model.WithdrawalRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT request_id, doctor_id, amount, method, payment_details, status, request_date, processed_date, completed_date, admin_notes, transaction_id, failure_reason
		 FROM withdrawal_requests
		 WHERE request_id = $1`,
		requestID,
	)

	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}

	return w, nil
}

// TransitionWithdrawal переводит заявку из статуса from в статус to по принципу
// compare-and-swap: если к моменту записи статус уже не from, возвращается
// ErrWithdrawalStateChanged. При переводе в PROCESSING достаточность баланса
// проверяется повторно под блокировкой.
func (r *PostgresRepository) TransitionWithdrawal(ctx context.Context, requestID uuid.UUID, from, to model.WithdrawalStatus, adminNotes, transactionID, failureReason *string) (*model.WithdrawalRequest, error) {
	var updated *model.WithdrawalRequest

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var doctorID int64
		var amount decimal.Decimal
		err = tx.QueryRow(ctx,
			`SELECT doctor_id, amount FROM withdrawal_requests WHERE request_id = $1`,
			requestID,
		).Scan(&doctorID, &amount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWithdrawalNotFound
			}
			return fmt.Errorf("select withdrawal: %w", err)
		}

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, doctorID); err != nil {
			return fmt.Errorf("lock doctor: %w", err)
		}

		if to == model.WithdrawalStatusProcessing {
			available, err := availableForWithdrawal(ctx, tx, doctorID, &requestID)
			if err != nil {
				return err
			}
			if amount.GreaterThan(available) {
				return ErrInsufficientBalance
			}
		}

		row := tx.QueryRow(ctx,
			`UPDATE withdrawal_requests
			 SET status = $2,
			     processed_date = CASE WHEN $2 IN ('PROCESSING', 'REJECTED') AND processed_date IS NULL THEN now() ELSE processed_date END,
			     completed_date = CASE WHEN $2 = 'COMPLETED' THEN now() ELSE completed_date END,
			     admin_notes = COALESCE($4, admin_notes),
			     transaction_id = COALESCE($5, transaction_id),
			     failure_reason = COALESCE($6, failure_reason)
			 WHERE request_id = $1 AND status = $3
			 RETURNING request_id, doctor_id, amount, method, payment_details, status, request_date, processed_date, completed_date, admin_notes, transaction_id, failure_reason`,
			requestID, string(to), string(from), adminNotes, transactionID, failureReason,
		)

		w, err := scanWithdrawal(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWithdrawalStateChanged
			}
			return fmt.Errorf("update withdrawal: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetWithdrawalsByDoctor возвращает заявки врача на вывод, новые первыми.
func (r *PostgresRepository) GetWithdrawalsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT request_id, doctor_id, amount, method, payment_details, status, request_date, processed_date, completed_date, admin_notes, transaction_id, failure_reason
		 FROM withdrawal_requests
		 WHERE doctor_id = $1
		 ORDER BY request_date DESC
		 LIMIT $2 OFFSET $3`,
		doctorID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	defer rows.Close()

	var res []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		res = append(res, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanWithdrawal(row earningScanner) (*model.WithdrawalRequest, error) {
	var (
		w      model.WithdrawalRequest
		method string
		status string
	)
	err := row.Scan(&w.RequestID, &w.DoctorID, &w.Amount, &method, &w.PaymentDetails,
		&status, &w.RequestDate, &w.ProcessedDate, &w.CompletedDate,
		&w.AdminNotes, &w.TransactionID, &w.FailureReason)
	if err != nil {
		return nil, err
	}
	w.Method = model.WithdrawalMethod(method)
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

// EarningTotals содержит агрегаты по записям о доходах врача.
type EarningTotals struct {
	Completed       decimal.Decimal
	Pending         decimal.Decimal
	ConsultationSum decimal.Decimal
	Consultations   int
}

// GetEarningTotals возвращает суммарные показатели по доходам врача.
func (r *PostgresRepository) GetEarningTotals(ctx context.Context, doctorID int64) (*EarningTotals, error) {
	var t EarningTotals
	err := r.pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(amount) FILTER (WHERE status = $2), 0),
		   COALESCE(SUM(amount) FILTER (WHERE status = $3), 0),
		   COALESCE(SUM(amount) FILTER (WHERE status = $2 AND type = $4), 0),
		   COUNT(*) FILTER (WHERE status = $2 AND type = $4)
		 FROM earning_transactions
		 WHERE doctor_id = $1`,
		doctorID,
		string(model.EarningStatusCompleted),
		string(model.EarningStatusPending),
		string(model.EarningTypeConsultation),
	).Scan(&t.Completed, &t.Pending, &t.ConsultationSum, &t.Consultations)
	if err != nil {
		return nil, fmt.Errorf("earning totals: %w", err)
	}

	return &t, nil
}

// SumCompletedWithdrawals возвращает сумму завершённых выводов врача.
func (r *PostgresRepository) SumCompletedWithdrawals(ctx context.Context, doctorID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM withdrawal_requests
		 WHERE doctor_id = $1 AND status = $2`,
		doctorID, string(model.WithdrawalStatusCompleted),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum completed withdrawals: %w", err)
	}

	return total, nil
}

// MonthEarnings содержит агрегаты завершённых доходов за один календарный месяц.
type MonthEarnings struct {
	Month         string
	Earnings      decimal.Decimal
	Consultations int
}

// GetMonthlyEarnings возвращает помесячные агрегаты завершённых доходов врача,
// начиная с указанной даты. Месяц берётся по дате консультации, при её
// отсутствии — по дате создания записи.
func (r *PostgresRepository) GetMonthlyEarnings(ctx context.Context, doctorID int64, from time.Time) ([]MonthEarnings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT
		   to_char(date_trunc('month', COALESCE(consultation_date, created_at)), 'YYYY-MM'),
		   COALESCE(SUM(amount), 0),
		   COUNT(*) FILTER (WHERE type = $3)
		 FROM earning_transactions
		 WHERE doctor_id = $1
		   AND status = $2
		   AND COALESCE(consultation_date, created_at) >= $4
		 GROUP BY 1
		 ORDER BY 1`,
		doctorID,
		string(model.EarningStatusCompleted),
		string(model.EarningTypeConsultation),
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("select monthly earnings: %w", err)
	}
	defer rows.Close()

	var res []MonthEarnings
	for rows.Next() {
		var m MonthEarnings
		if err := rows.Scan(&m.Month, &m.Earnings, &m.Consultations); err != nil {
			return nil, fmt.Errorf("scan month: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveSummary сохраняет сводку целиком (полная замена строки, без
// пофилдовых инкрементов).
func (r *PostgresRepository) SaveSummary(ctx context.Context, s *model.DoctorSummary) error {
	monthly, err := json.Marshal(s.MonthlyData)
	if err != nil {
		return fmt.Errorf("marshal monthly data: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO doctor_earnings_summary
		 (doctor_id, total_earnings, available_balance, pending_earnings, total_withdrawn,
		  total_consultations, average_per_consultation, this_month_earnings, last_month_earnings,
		  monthly_data, last_calculated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (doctor_id) DO UPDATE SET
		   total_earnings = EXCLUDED.total_earnings,
		   available_balance = EXCLUDED.available_balance,
		   pending_earnings = EXCLUDED.pending_earnings,
		   total_withdrawn = EXCLUDED.total_withdrawn,
		   total_consultations = EXCLUDED.total_consultations,
		   average_per_consultation = EXCLUDED.average_per_consultation,
		   this_month_earnings = EXCLUDED.this_month_earnings,
		   last_month_earnings = EXCLUDED.last_month_earnings,
		   monthly_data = EXCLUDED.monthly_data,
		   last_calculated_at = EXCLUDED.last_calculated_at`,
		s.DoctorID, s.TotalEarnings, s.AvailableBalance, s.PendingEarnings, s.TotalWithdrawn,
		s.TotalConsultations, s.AveragePerConsultation, s.ThisMonthEarnings, s.LastMonthEarnings,
		monthly, s.LastCalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	return nil
}

// GetSummary возвращает сохранённую сводку врача.
func (r *PostgresRepository) GetSummary(ctx context.Context, doctorID int64) (*model.DoctorSummary, error) {
	var (
		s       model.DoctorSummary
		monthly []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT doctor_id, total_earnings, available_balance, pending_earnings, total_withdrawn,
		        total_consultations, average_per_consultation, this_month_earnings, last_month_earnings,
		        monthly_data, last_calculated_at
		 FROM doctor_earnings_summary
		 WHERE doctor_id = $1`,
		doctorID,
	).Scan(&s.DoctorID, &s.TotalEarnings, &s.AvailableBalance, &s.PendingEarnings, &s.TotalWithdrawn,
		&s.TotalConsultations, &s.AveragePerConsultation, &s.ThisMonthEarnings, &s.LastMonthEarnings,
		&monthly, &s.LastCalculatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}

	if len(monthly) > 0 {
		if err := json.Unmarshal(monthly, &s.MonthlyData); err != nil {
			return nil, fmt.Errorf("unmarshal monthly data: %w", err)
		}
	}

	return &s, nil
}
