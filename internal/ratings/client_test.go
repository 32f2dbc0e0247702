package ratings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetCompletedAppointmentRatings_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/appointments/ratings" {
			t.Fatalf("path = %s, want /api/appointments/ratings", r.URL.Path)
		}
		if got := r.URL.Query().Get("doctor_id"); got != "7" {
			t.Fatalf("doctor_id = %s, want 7", got)
		}

		resp := []AppointmentRating{
			{AppointmentID: 1, Rating: ptrFloat(4.5)},
			{AppointmentID: 2, Rating: nil},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetCompletedAppointmentRatings(ctx, 7, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		t.Fatalf("GetCompletedAppointmentRatings error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if len(res) != 2 || res[0].AppointmentID != 1 {
		t.Fatalf("unexpected response: %+v", res)
	}
	if res[0].Rating == nil || *res[0].Rating != 4.5 {
		t.Fatalf("unexpected rating: %v", res[0].Rating)
	}
}

func TestGetCompletedAppointmentRatings_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetCompletedAppointmentRatings(ctx, 7, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		t.Fatalf("GetCompletedAppointmentRatings error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestGetCompletedAppointmentRatings_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetCompletedAppointmentRatings(ctx, 7, time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		t.Fatalf("GetCompletedAppointmentRatings error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 204, got %+v", res)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}

func ptrFloat(v float64) *float64 {
	return &v
}
