// Package webhooks delivers signed integrity alerts to configured HTTP
// endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventChainBroken is sent when a subject's chain first fails verification.
const EventChainBroken = "ledger.chain_broken"

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// Event is the JSON body POSTed to each endpoint.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config lists alert endpoints. Secret signs every delivery; an empty
// secret sends unsigned events.
type Config struct {
	URLs    []string
	Secret  string
	Retries int             // attempts per endpoint, default 3
	Backoff []time.Duration // delay before attempt n+1
}

// Service dispatches events to every configured endpoint.
type Service struct {
	cfg        Config
	httpClient *http.Client
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	return &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// ChainBroken dispatches EventChainBroken for a failed verification. Its
// signature matches health.AlertFunc.
func (s *Service) ChainBroken(ctx context.Context, subjectID string, report *auditchain.VerificationReport) {
	s.Dispatch(ctx, EventChainBroken, map[string]string{
		"subject_id":         subjectID,
		"first_break":        strconv.Itoa(report.FirstBreak()),
		"total_entries":      strconv.Itoa(report.TotalEntries),
		"broken_links":       strconv.Itoa(len(report.BrokenLinks)),
		"invalid_signatures": strconv.Itoa(len(report.InvalidSignatures)),
	})
}

// Dispatch fans out an event to all endpoints without blocking.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, url := range s.cfg.URLs {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			s.deliver(ctx, url, event, body)
		}(url)
	}
}

// Wait blocks until in-flight deliveries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// deliver sends the event to a single endpoint with retries.
func (s *Service) deliver(ctx context.Context, url string, event Event, body []byte) {
	signature := ""
	if s.cfg.Secret != "" {
		signature = signPayload(body, s.cfg.Secret)
	}

	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 1 {
			delay := s.cfg.Backoff[min(attempt-2, len(s.cfg.Backoff)-1)]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		success, errMsg := s.doDelivery(ctx, url, body, signature)
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is the signature of body under
// secret. Receivers use it to authenticate alerts.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(header))
}
