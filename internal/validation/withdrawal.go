// Package validation содержит функции валидации входных данных.
package validation

import (
	"encoding/json"

	"github.com/mmeshcher/medledger-system/internal/model"
)

// IsValidWithdrawalMethod проверяет, что способ выплаты поддерживается.
func IsValidWithdrawalMethod(method string) bool {
	switch model.WithdrawalMethod(method) {
	case model.WithdrawalMethodBankTransfer, model.WithdrawalMethodPayPal, model.WithdrawalMethodUPI:
		return true
	}
	return false
}

// IsValidPaymentDetails проверяет, что реквизиты выплаты — непустой JSON-объект.
// Содержимое реквизитов леджер не интерпретирует, проверяется только форма.
func IsValidPaymentDetails(details []byte) bool {
	if len(details) == 0 {
		return false
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(details, &m); err != nil {
		return false
	}

	return len(m) > 0
}
