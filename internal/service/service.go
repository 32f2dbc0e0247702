// Package service реализует бизнес-логику леджера врачебных доходов.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/medledger-system/internal/model"
	"github.com/mmeshcher/medledger-system/internal/ratings"
	"github.com/mmeshcher/medledger-system/internal/repository"
	"github.com/mmeshcher/medledger-system/internal/validation"
)

// ErrInvalidAmount возвращается при неположительной сумме операции.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrBelowMinimum возвращается, если сумма вывода меньше установленного минимума.
	ErrBelowMinimum = errors.New("amount below minimum withdrawal")
	// ErrUnknownMethod возвращается при неподдерживаемом способе выплаты.
	ErrUnknownMethod = errors.New("unknown withdrawal method")
	// ErrInvalidDetails возвращается при некорректных реквизитах выплаты.
	ErrInvalidDetails = errors.New("invalid payment details")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заявки.
	ErrInvalidTransition = errors.New("invalid withdrawal status transition")
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	monthlyWindow    = 12
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateEarning(ctx context.Context, e *model.EarningTransaction) (*model.EarningTransaction, error)
	VoidEarning(ctx context.Context, id int64) (*model.EarningTransaction, error)
	GetEarningsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]model.EarningTransaction, error)
	CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, requestID uuid.UUID) (*model.WithdrawalRequest, error)
	TransitionWithdrawal(ctx context.Context, requestID uuid.UUID, from, to model.WithdrawalStatus, adminNotes, transactionID, failureReason *string) (*model.WithdrawalRequest, error)
	GetWithdrawalsByDoctor(ctx context.Context, doctorID int64, limit, offset int) ([]model.WithdrawalRequest, error)
	GetEarningTotals(ctx context.Context, doctorID int64) (*repository.EarningTotals, error)
	SumCompletedWithdrawals(ctx context.Context, doctorID int64) (decimal.Decimal, error)
	GetMonthlyEarnings(ctx context.Context, doctorID int64, from time.Time) ([]repository.MonthEarnings, error)
	SaveSummary(ctx context.Context, s *model.DoctorSummary) error
	GetSummary(ctx context.Context, doctorID int64) (*model.DoctorSummary, error)
}

// RatingsProvider описывает контракт получения оценок консультаций
// из внешнего сервиса приёмов.
type RatingsProvider interface {
	GetCompletedAppointmentRatings(ctx context.Context, doctorID int64, from, to time.Time) ([]ratings.AppointmentRating, int, time.Duration, error)
}

// Notifier описывает контракт отправки уведомлений. Доставка best-effort:
// реализация не возвращает ошибок вызывающему коду.
type Notifier interface {
	Notify(doctorID int64, kind string, payload map[string]any)
}

// Service содержит бизнес-логику леджера врачебных доходов.
type Service struct {
	repo              Repository
	ratingsClient     RatingsProvider
	notifier          Notifier
	minimumWithdrawal decimal.Decimal
	logger            *zap.Logger
}

// NewService создаёт новый сервис леджера.
func NewService(repo Repository, ratingsClient RatingsProvider, notifier Notifier, minimumWithdrawal decimal.Decimal, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:              repo,
		ratingsClient:     ratingsClient,
		notifier:          notifier,
		minimumWithdrawal: minimumWithdrawal,
		logger:            logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RecordConsultationEarning записывает доход от завершённой консультации.
func (s *Service) RecordConsultationEarning(ctx context.Context, doctorID, appointmentID, patientID int64, patientName string, amount decimal.Decimal, consultationDate time.Time, consultationType string) (*model.EarningTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	e := &model.EarningTransaction{
		DoctorID:         doctorID,
		Type:             model.EarningTypeConsultation,
		Amount:           amount,
		Description:      fmt.Sprintf("Consultation with %s", patientName),
		AppointmentID:    &appointmentID,
		PatientID:        &patientID,
		PatientName:      &patientName,
		ConsultationDate: &consultationDate,
		ConsultationType: &consultationType,
		Status:           model.EarningStatusCompleted,
	}

	created, err := s.repo.CreateEarning(ctx, e)
	if err != nil {
		return nil, err
	}

	s.recalculateQuietly(ctx, doctorID)
	s.notify(doctorID, "earning_added", map[string]any{
		"type":   string(model.EarningTypeConsultation),
		"amount": amount.String(),
	})

	return created, nil
}

// RecordBonusEarning записывает бонусное начисление врачу.
func (s *Service) RecordBonusEarning(ctx context.Context, doctorID int64, amount decimal.Decimal, reason string) (*model.EarningTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	e := &model.EarningTransaction{
		DoctorID:    doctorID,
		Type:        model.EarningTypeBonus,
		Amount:      amount,
		Description: reason,
		Status:      model.EarningStatusCompleted,
	}

	created, err := s.repo.CreateEarning(ctx, e)
	if err != nil {
		return nil, err
	}

	s.recalculateQuietly(ctx, doctorID)
	s.notify(doctorID, "bonus_added", map[string]any{
		"amount": amount.String(),
		"reason": reason,
	})

	return created, nil
}

// VoidTransaction аннулирует завершённую запись о доходе. Запись остаётся
// в истории, но исключается из всех агрегатов.
func (s *Service) VoidTransaction(ctx context.Context, transactionID int64, reason string) (*model.EarningTransaction, error) {
	voided, err := s.repo.VoidEarning(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	s.recalculateQuietly(ctx, voided.DoctorID)
	s.notify(voided.DoctorID, "transaction_voided", map[string]any{
		"transaction_id": transactionID,
		"reason":         reason,
	})

	return voided, nil
}

// ListTransactions возвращает страницу записей о доходах врача, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, doctorID int64, limit, offset int) ([]model.EarningTransaction, error) {
	return s.repo.GetEarningsByDoctor(ctx, doctorID, normalizeLimit(limit), normalizeOffset(offset))
}

// CreateWithdrawal создаёт заявку на вывод средств. Достаточность баланса
// проверяется в хранилище под блокировкой, по свежим данным, а не по
// закешированной сводке.
func (s *Service) CreateWithdrawal(ctx context.Context, doctorID int64, amount decimal.Decimal, method string, paymentDetails []byte) (*model.WithdrawalRequest, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidWithdrawalMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if !validation.IsValidPaymentDetails(paymentDetails) {
		return nil, ErrInvalidDetails
	}
	if amount.LessThan(s.minimumWithdrawal) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, s.minimumWithdrawal.String())
	}

	w := &model.WithdrawalRequest{
		RequestID:      uuid.New(),
		DoctorID:       doctorID,
		Amount:         amount,
		Method:         model.WithdrawalMethod(method),
		PaymentDetails: paymentDetails,
	}

	created, err := s.repo.CreateWithdrawal(ctx, w)
	if err != nil {
		return nil, err
	}

	s.recalculateQuietly(ctx, doctorID)
	s.notify(doctorID, "withdrawal_requested", map[string]any{
		"request_id": created.RequestID.String(),
		"amount":     amount.String(),
	})

	return created, nil
}

// allowedTransitions перечисляет допустимые переходы статусов заявки.
// COMPLETED и REJECTED — терминальные статусы.
var allowedTransitions = map[model.WithdrawalStatus][]model.WithdrawalStatus{
	model.WithdrawalStatusPending:    {model.WithdrawalStatusProcessing, model.WithdrawalStatusRejected},
	model.WithdrawalStatusProcessing: {model.WithdrawalStatusCompleted, model.WithdrawalStatusRejected},
}

func isAllowedTransition(from, to model.WithdrawalStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProcessWithdrawal переводит заявку в новый статус по решению администратора.
func (s *Service) ProcessWithdrawal(ctx context.Context, requestID uuid.UUID, newStatus model.WithdrawalStatus, adminNotes, transactionID, failureReason *string) (*model.WithdrawalRequest, error) {
	current, err := s.repo.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if !isAllowedTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}

	updated, err := s.repo.TransitionWithdrawal(ctx, requestID, current.Status, newStatus, adminNotes, transactionID, failureReason)
	if err != nil {
		// Статус успел измениться между чтением и записью — для вызывающего
		// это та же недопустимая смена статуса.
		if errors.Is(err, repository.ErrWithdrawalStateChanged) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
		}
		return nil, err
	}

	if newStatus == model.WithdrawalStatusCompleted {
		s.recalculateQuietly(ctx, updated.DoctorID)
	}

	s.notify(updated.DoctorID, withdrawalEventKind(newStatus), map[string]any{
		"request_id": requestID.String(),
		"amount":     updated.Amount.String(),
	})

	return updated, nil
}

func withdrawalEventKind(status model.WithdrawalStatus) string {
	switch status {
	case model.WithdrawalStatusProcessing:
		return "withdrawal_processing"
	case model.WithdrawalStatusCompleted:
		return "withdrawal_completed"
	case model.WithdrawalStatusRejected:
		return "withdrawal_rejected"
	default:
		return "withdrawal_updated"
	}
}

// ListWithdrawals возвращает страницу заявок врача на вывод, новые первыми.
func (s *Service) ListWithdrawals(ctx context.Context, doctorID int64, limit, offset int) ([]model.WithdrawalRequest, error) {
	return s.repo.GetWithdrawalsByDoctor(ctx, doctorID, normalizeLimit(limit), normalizeOffset(offset))
}

// GetSummary возвращает сводку доходов врача, рассчитывая её при первом обращении.
func (s *Service) GetSummary(ctx context.Context, doctorID int64) (*model.DoctorSummary, error) {
	summary, err := s.repo.GetSummary(ctx, doctorID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, repository.ErrSummaryNotFound) {
		return nil, err
	}

	return s.RecalculateSummary(ctx, doctorID)
}

// RecalculateSummary пересчитывает сводку врача целиком из записей о доходах
// и заявок на вывод. Сводка собирается в новый объект и сохраняется одной
// операцией: при ошибке на любом шаге прежняя сводка остаётся нетронутой.
func (s *Service) RecalculateSummary(ctx context.Context, doctorID int64) (*model.DoctorSummary, error) {
	totals, err := s.repo.GetEarningTotals(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	withdrawn, err := s.repo.SumCompletedWithdrawals(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	available := totals.Completed.Sub(withdrawn)
	if available.IsNegative() {
		available = decimal.Zero
	}

	average := decimal.Zero
	if totals.Consultations > 0 {
		average = totals.ConsultationSum.Div(decimal.NewFromInt(int64(totals.Consultations))).Round(2)
	}

	now := time.Now().UTC()
	windowStart := monthStart(now).AddDate(0, -(monthlyWindow - 1), 0)

	months, err := s.repo.GetMonthlyEarnings(ctx, doctorID, windowStart)
	if err != nil {
		return nil, err
	}

	byMonth := make(map[string]repository.MonthEarnings, len(months))
	for _, m := range months {
		byMonth[m.Month] = m
	}

	monthlyData := make([]model.MonthlyEarnings, 0, monthlyWindow)
	for i := 0; i < monthlyWindow; i++ {
		start := windowStart.AddDate(0, i, 0)
		key := start.Format("2006-01")

		entry := model.MonthlyEarnings{
			Month:    key,
			Earnings: decimal.Zero,
		}
		if m, ok := byMonth[key]; ok {
			entry.Earnings = m.Earnings
			entry.Consultations = m.Consultations
		}
		entry.AverageRating = s.monthAverageRating(ctx, doctorID, start)

		monthlyData = append(monthlyData, entry)
	}

	summary := &model.DoctorSummary{
		DoctorID:               doctorID,
		TotalEarnings:          totals.Completed,
		AvailableBalance:       available,
		PendingEarnings:        totals.Pending,
		TotalWithdrawn:         withdrawn,
		TotalConsultations:     totals.Consultations,
		AveragePerConsultation: average,
		ThisMonthEarnings:      monthEarningsOrZero(byMonth, now.Format("2006-01")),
		LastMonthEarnings:      monthEarningsOrZero(byMonth, monthStart(now).AddDate(0, -1, 0).Format("2006-01")),
		MonthlyData:            monthlyData,
		LastCalculatedAt:       now,
	}

	if err := s.repo.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}

	return summary, nil
}

// monthAverageRating возвращает среднюю оценку консультаций за месяц,
// округлённую до одного знака. Оценки информационные: при недоступности
// сервиса приёмов возвращается 0, пересчёт сводки не прерывается.
func (s *Service) monthAverageRating(ctx context.Context, doctorID int64, start time.Time) float64 {
	if s.ratingsClient == nil {
		return 0
	}

	end := start.AddDate(0, 1, 0)

	res, _, _, err := s.ratingsClient.GetCompletedAppointmentRatings(ctx, doctorID, start, end)
	if err != nil {
		s.logger.Warn("ratings unavailable", zap.Int64("doctorID", doctorID),
			zap.String("month", start.Format("2006-01")), zap.Error(err))
		return 0
	}

	var sum float64
	var count int
	for _, r := range res {
		if r.Rating == nil {
			continue
		}
		sum += *r.Rating
		count++
	}
	if count == 0 {
		return 0
	}

	return math.Round(sum/float64(count)*10) / 10
}

// recalculateQuietly запускает пересчёт сводки после записи. Ошибка пересчёта
// не отменяет уже сохранённую операцию: прежняя сводка остаётся валидной,
// следующий триггер пересчитает её заново.
func (s *Service) recalculateQuietly(ctx context.Context, doctorID int64) {
	if _, err := s.RecalculateSummary(ctx, doctorID); err != nil {
		s.logger.Error("summary recalculation failed", zap.Int64("doctorID", doctorID), zap.Error(err))
	}
}

func (s *Service) notify(doctorID int64, kind string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(doctorID, kind, payload)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthEarningsOrZero(byMonth map[string]repository.MonthEarnings, key string) decimal.Decimal {
	if m, ok := byMonth[key]; ok {
		return m.Earnings
	}
	return decimal.Zero
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
