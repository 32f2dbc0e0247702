// Package handler содержит HTTP-обработчики API сервиса medledger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/medledger-system/internal/middleware"
	"github.com/mmeshcher/medledger-system/internal/model"
	"github.com/mmeshcher/medledger-system/internal/repository"
	"github.com/mmeshcher/medledger-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RecordConsultationEarning(ctx context.Context, doctorID, appointmentID, patientID int64, patientName string, amount decimal.Decimal, consultationDate time.Time, consultationType string) (*model.EarningTransaction, error)
	RecordBonusEarning(ctx context.Context, doctorID int64, amount decimal.Decimal, reason string) (*model.EarningTransaction, error)
	VoidTransaction(ctx context.Context, transactionID int64, reason string) (*model.EarningTransaction, error)
	ListTransactions(ctx context.Context, doctorID int64, limit, offset int) ([]model.EarningTransaction, error)
	CreateWithdrawal(ctx context.Context, doctorID int64, amount decimal.Decimal, method string, paymentDetails []byte) (*model.WithdrawalRequest, error)
	ProcessWithdrawal(ctx context.Context, requestID uuid.UUID, newStatus model.WithdrawalStatus, adminNotes, transactionID, failureReason *string) (*model.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, doctorID int64, limit, offset int) ([]model.WithdrawalRequest, error)
	GetSummary(ctx context.Context, doctorID int64) (*model.DoctorSummary, error)
}

// Handler реализует HTTP-обработчики API сервиса medledger.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

type consultationCompletedRequest struct {
	DoctorID         int64           `json:"doctor_id"`
	AppointmentID    int64           `json:"appointment_id"`
	PatientID        int64           `json:"patient_id"`
	PatientName      string          `json:"patient_name"`
	Amount           decimal.Decimal `json:"amount"`
	ConsultationDate time.Time       `json:"consultation_date"`
	ConsultationType string          `json:"consultation_type"`
}

// ConsultationCompleted принимает событие завершения консультации и записывает доход врача.
// Ошибка записи возвращается вызывающему: событие не должно быть подтверждено,
// если доход не сохранён.
func (h *Handler) ConsultationCompleted(w http.ResponseWriter, r *http.Request) {
	var req consultationCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.DoctorID == 0 || req.AppointmentID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.RecordConsultationEarning(r.Context(), req.DoctorID, req.AppointmentID,
		req.PatientID, req.PatientName, req.Amount, req.ConsultationDate, req.ConsultationType)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("record consultation earning error", zap.Error(err), zap.Int64("doctorID", req.DoctorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(*created))
}

type transactionResponse struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	PatientName      *string         `json:"patient_name,omitempty"`
	ConsultationDate *string         `json:"consultation_date,omitempty"`
	Status           string          `json:"status"`
	CreatedAt        string          `json:"created_at"`
}

func toTransactionResponse(e model.EarningTransaction) transactionResponse {
	resp := transactionResponse{
		ID:          e.ID,
		Type:        string(e.Type),
		Amount:      e.Amount,
		Description: e.Description,
		PatientName: e.PatientName,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
	if e.ConsultationDate != nil {
		d := e.ConsultationDate.Format(time.RFC3339)
		resp.ConsultationDate = &d
	}
	return resp
}

// GetTransactions возвращает страницу записей о доходах текущего врача.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := middleware.GetDoctorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)

	txs, err := h.service.ListTransactions(r.Context(), doctorID, limit, offset)
	if err != nil {
		h.logger.Error("list transactions error", zap.Error(err), zap.Int64("doctorID", doctorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, toTransactionResponse(tx))
	}

	writeJSON(w, http.StatusOK, resp)
}

type summaryResponse struct {
	DoctorID               int64                   `json:"doctor_id"`
	TotalEarnings          decimal.Decimal         `json:"total_earnings"`
	AvailableBalance       decimal.Decimal         `json:"available_balance"`
	PendingEarnings        decimal.Decimal         `json:"pending_earnings"`
	TotalWithdrawn         decimal.Decimal         `json:"total_withdrawn"`
	TotalConsultations     int                     `json:"total_consultations"`
	AveragePerConsultation decimal.Decimal         `json:"average_per_consultation"`
	ThisMonthEarnings      decimal.Decimal         `json:"this_month_earnings"`
	LastMonthEarnings      decimal.Decimal         `json:"last_month_earnings"`
	MonthlyData            []model.MonthlyEarnings `json:"monthly_data"`
	LastCalculatedAt       string                  `json:"last_calculated_at"`
}

// GetSummary возвращает сводку доходов текущего врача.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := middleware.GetDoctorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	s, err := h.service.GetSummary(r.Context(), doctorID)
	if err != nil {
		h.logger.Error("get summary error", zap.Error(err), zap.Int64("doctorID", doctorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		DoctorID:               s.DoctorID,
		TotalEarnings:          s.TotalEarnings,
		AvailableBalance:       s.AvailableBalance,
		PendingEarnings:        s.PendingEarnings,
		TotalWithdrawn:         s.TotalWithdrawn,
		TotalConsultations:     s.TotalConsultations,
		AveragePerConsultation: s.AveragePerConsultation,
		ThisMonthEarnings:      s.ThisMonthEarnings,
		LastMonthEarnings:      s.LastMonthEarnings,
		MonthlyData:            s.MonthlyData,
		LastCalculatedAt:       s.LastCalculatedAt.Format(time.RFC3339),
	})
}

type createWithdrawalRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	PaymentDetails json.RawMessage `json:"payment_details"`
}

type withdrawalResponse struct {
	RequestID     string          `json:"request_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
	RequestDate   string          `json:"request_date"`
	ProcessedDate *string         `json:"processed_date,omitempty"`
	CompletedDate *string         `json:"completed_date,omitempty"`
	AdminNotes    *string         `json:"admin_notes,omitempty"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
}

func toWithdrawalResponse(w model.WithdrawalRequest) withdrawalResponse {
	resp := withdrawalResponse{
		RequestID:     w.RequestID.String(),
		Amount:        w.Amount,
		Method:        string(w.Method),
		Status:        string(w.Status),
		RequestDate:   w.RequestDate.Format(time.RFC3339),
		AdminNotes:    w.AdminNotes,
		TransactionID: w.TransactionID,
		FailureReason: w.FailureReason,
	}
	if w.ProcessedDate != nil {
		d := w.ProcessedDate.Format(time.RFC3339)
		resp.ProcessedDate = &d
	}
	if w.CompletedDate != nil {
		d := w.CompletedDate.Format(time.RFC3339)
		resp.CompletedDate = &d
	}
	return resp
}

// CreateWithdrawal создаёт заявку на вывод средств для текущего врача.
// В ответе об отказе всегда указана конкретная причина: недостаточный баланс
// и сумма ниже минимума различимы на стороне UI.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := middleware.GetDoctorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.CreateWithdrawal(r.Context(), doctorID, req.Amount, req.Method, req.PaymentDetails)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount),
			errors.Is(err, service.ErrBelowMinimum),
			errors.Is(err, service.ErrUnknownMethod),
			errors.Is(err, service.ErrInvalidDetails):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		default:
			h.logger.Error("create withdrawal error", zap.Error(err), zap.Int64("doctorID", doctorID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toWithdrawalResponse(*created))
}

// GetWithdrawals возвращает страницу заявок текущего врача на вывод средств.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := middleware.GetDoctorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)

	withdrawals, err := h.service.ListWithdrawals(r.Context(), doctorID, limit, offset)
	if err != nil {
		h.logger.Error("list withdrawals error", zap.Error(err), zap.Int64("doctorID", doctorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(withdrawals))
	for _, wd := range withdrawals {
		resp = append(resp, toWithdrawalResponse(wd))
	}

	writeJSON(w, http.StatusOK, resp)
}

type withdrawalDecisionRequest struct {
	Decision      string  `json:"decision"`
	AdminNotes    *string `json:"admin_notes,omitempty"`
	TransactionID *string `json:"transaction_id,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

var decisionStatuses = map[string]model.WithdrawalStatus{
	"processing": model.WithdrawalStatusProcessing,
	"completed":  model.WithdrawalStatusCompleted,
	"rejected":   model.WithdrawalStatusRejected,
}

// WithdrawalDecision применяет решение администратора к заявке на вывод.
func (h *Handler) WithdrawalDecision(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req withdrawalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newStatus, ok := decisionStatuses[req.Decision]
	if !ok {
		http.Error(w, "unknown decision", http.StatusBadRequest)
		return
	}

	updated, err := h.service.ProcessWithdrawal(r.Context(), requestID, newStatus,
		req.AdminNotes, req.TransactionID, req.FailureReason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrWithdrawalNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		default:
			h.logger.Error("withdrawal decision error", zap.Error(err), zap.String("requestID", requestID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponse(*updated))
}

type bonusRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// AddBonus начисляет врачу бонус по решению администратора.
func (h *Handler) AddBonus(w http.ResponseWriter, r *http.Request) {
	doctorID, err := strconv.ParseInt(chi.URLParam(r, "doctorID"), 10, 64)
	if err != nil || doctorID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req bonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.RecordBonusEarning(r.Context(), doctorID, req.Amount, req.Reason)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("add bonus error", zap.Error(err), zap.Int64("doctorID", doctorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(*created))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

// VoidTransaction аннулирует запись о доходе по решению администратора.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID, err := strconv.ParseInt(chi.URLParam(r, "transactionID"), 10, 64)
	if err != nil || transactionID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req voidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	voided, err := h.service.VoidTransaction(r.Context(), transactionID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTransactionVoided):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("void transaction error", zap.Error(err), zap.Int64("transactionID", transactionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(*voided))
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
