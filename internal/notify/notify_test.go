package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestNotify_DeliversEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notifications" {
			t.Fatalf("path = %s, want /api/notifications", r.URL.Path)
		}

		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Fatalf("decode: %v", err)
		}

		mu.Lock()
		received = append(received, ev)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewDispatcher(ts.URL, zap.NewNop())
	d.Notify(7, "earning_added", map[string]any{"amount": "50"})
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].DoctorID != 7 || received[0].Kind != "earning_added" {
		t.Fatalf("unexpected event: %+v", received[0])
	}
}

func TestNotify_DeliveryErrorSwallowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	d := NewDispatcher(ts.URL, zap.NewNop())

	// Notify не возвращает ошибку и не должен паниковать при отказе доставки.
	d.Notify(1, "withdrawal_requested", nil)
	d.Close()
}

func TestNotify_EmptyAddressDropsSilently(t *testing.T) {
	d := NewDispatcher("", zap.NewNop())

	d.Notify(1, "bonus_added", nil)
	d.Close()
}
