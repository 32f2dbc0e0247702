package validation

import "testing"

func TestIsValidWithdrawalMethod(t *testing.T) {
	tests := []struct {
		name   string
		method string
		want   bool
	}{
		{"bank transfer", "bank_transfer", true},
		{"paypal", "paypal", true},
		{"upi", "upi", true},
		{"empty", "", false},
		{"unknown", "crypto", false},
		{"wrong case", "PayPal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidWithdrawalMethod(tt.method); got != tt.want {
				t.Errorf("IsValidWithdrawalMethod(%q) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}

func TestIsValidPaymentDetails(t *testing.T) {
	tests := []struct {
		name    string
		details string
		want    bool
	}{
		{"bank details", `{"account_number":"40817810","bank_name":"Test"}`, true},
		{"paypal email", `{"paypal_email":"doc@example.com"}`, true},
		{"empty object", `{}`, false},
		{"empty string", ``, false},
		{"not json", `account=123`, false},
		{"json array", `["a"]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPaymentDetails([]byte(tt.details)); got != tt.want {
				t.Errorf("IsValidPaymentDetails(%q) = %v, want %v", tt.details, got, tt.want)
			}
		})
	}
}
