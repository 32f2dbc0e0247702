// Package notify содержит мост к внешнему сервису уведомлений.
// Доставка выполняется по принципу best-effort: ошибки логируются
// и никогда не возвращаются вызывающему коду.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event описывает одно событие для доставки получателю.
type Event struct {
	DoctorID int64          `json:"doctor_id"`
	Kind     string         `json:"event"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Dispatcher отправляет события в сервис уведомлений из фоновой горутины,
// не блокируя критический путь записи доходов и выводов.
type Dispatcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	events chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher создаёт диспетчер уведомлений и запускает фоновую доставку.
// Пустой адрес допустим: события в этом случае просто отбрасываются.
func NewDispatcher(baseURL string, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
		events: make(chan Event, 256),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Notify ставит событие в очередь доставки. Не блокирует: при переполненной
// очереди событие отбрасывается с записью в лог.
func (d *Dispatcher) Notify(doctorID int64, kind string, payload map[string]any) {
	select {
	case d.events <- Event{DoctorID: doctorID, Kind: kind, Payload: payload}:
	default:
		d.logger.Warn("notification queue full, event dropped",
			zap.Int64("doctorID", doctorID), zap.String("event", kind))
	}
}

// Close останавливает диспетчер, дождавшись доставки уже поставленных событий.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.events)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for ev := range d.events {
		if err := d.send(ev); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Int64("doctorID", ev.DoctorID), zap.String("event", ev.Kind), zap.Error(err))
		}
	}
}

func (d *Dispatcher) send(ev Event) error {
	if d.baseURL == "" {
		return nil
	}

	base := d.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
