// Package model содержит доменные сущности леджера врачебных доходов.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EarningType описывает тип записи о доходе.
type EarningType string

const (
	EarningTypeConsultation EarningType = "CONSULTATION"
	EarningTypeBonus        EarningType = "BONUS"
	EarningTypeAdjustment   EarningType = "ADJUSTMENT"
	EarningTypeRefundDebit  EarningType = "REFUND_DEBIT"
)

// EarningStatus описывает статус записи о доходе.
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "PENDING"
	EarningStatusCompleted EarningStatus = "COMPLETED"
	EarningStatusVoided    EarningStatus = "VOIDED"
)

// EarningTransaction представляет отдельную запись о доходе врача.
// Завершённая запись неизменяема: корректировки оформляются новыми
// записями типа ADJUSTMENT, а не правкой существующих.
type EarningTransaction struct {
	ID               int64
	DoctorID         int64
	Type             EarningType
	Amount           decimal.Decimal
	Description      string
	AppointmentID    *int64
	PatientID        *int64
	PatientName      *string
	ConsultationDate *time.Time
	ConsultationType *string
	Status           EarningStatus
	CreatedAt        time.Time
}

// WithdrawalStatus описывает статус заявки на вывод средств.
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "PENDING"
	WithdrawalStatusProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalStatusCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalStatusRejected   WithdrawalStatus = "REJECTED"
)

// WithdrawalMethod описывает способ выплаты.
type WithdrawalMethod string

const (
	WithdrawalMethodBankTransfer WithdrawalMethod = "bank_transfer"
	WithdrawalMethodPayPal       WithdrawalMethod = "paypal"
	WithdrawalMethodUPI          WithdrawalMethod = "upi"
)

// WithdrawalRequest представляет заявку врача на вывод средств.
// Реквизиты выплаты хранятся как непрозрачный JSON: леджер их не интерпретирует.
type WithdrawalRequest struct {
	RequestID      uuid.UUID
	DoctorID       int64
	Amount         decimal.Decimal
	Method         WithdrawalMethod
	PaymentDetails []byte
	Status         WithdrawalStatus
	RequestDate    time.Time
	ProcessedDate  *time.Time
	CompletedDate  *time.Time
	AdminNotes     *string
	TransactionID  *string
	FailureReason  *string
}

// MonthlyEarnings содержит агрегаты по одному календарному месяцу.
type MonthlyEarnings struct {
	Month         string          `json:"month"`
	Earnings      decimal.Decimal `json:"earnings"`
	Consultations int             `json:"consultations"`
	AverageRating float64         `json:"average_rating"`
}

// DoctorSummary — производная сводка доходов врача. Не является
// самостоятельным источником истины: всегда пересчитывается целиком
// из записей о доходах и заявок на вывод.
type DoctorSummary struct {
	DoctorID               int64
	TotalEarnings          decimal.Decimal
	AvailableBalance       decimal.Decimal
	PendingEarnings        decimal.Decimal
	TotalWithdrawn         decimal.Decimal
	TotalConsultations     int
	AveragePerConsultation decimal.Decimal
	ThisMonthEarnings      decimal.Decimal
	LastMonthEarnings      decimal.Decimal
	MonthlyData            []MonthlyEarnings
	LastCalculatedAt       time.Time
}
