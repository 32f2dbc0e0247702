// Package ratings предоставляет клиент для внешнего сервиса приёмов,
// отдающего оценки завершённых консультаций.
package ratings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом приёмов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// AppointmentRating описывает оценку одной завершённой консультации.
type AppointmentRating struct {
	AppointmentID int64    `json:"appointment_id"`
	Rating        *float64 `json:"rating,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису приёмов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetCompletedAppointmentRatings запрашивает оценки завершённых консультаций
// врача за указанный период. Возвращает оценки, HTTP-код ответа и паузу из
// заголовка Retry-After при получении 429.
func (c *Client) GetCompletedAppointmentRatings(ctx context.Context, doctorID int64, from, to time.Time) ([]AppointmentRating, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("ratings client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	q := url.Values{}
	q.Set("doctor_id", strconv.FormatInt(doctorID, 10))
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	reqURL := fmt.Sprintf("%s/api/appointments/ratings?%s", base, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result []AppointmentRating
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return result, resp.StatusCode, 0, nil
}
