package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geofencehq/pipeline/internal/model"
)

// WebhookAdapter is the generic webhook delivery adapter from spec
// §4.5 — the only adapter kind the core specification covers in
// detail. It generalizes the teacher's single-purpose
// notification-service webhook dispatcher: same HMAC-over-body
// signing and header conventions, extended with template rendering
// and the one-redirect-hop, 30s-timeout constraints this spec adds.
type WebhookAdapter struct {
	client *http.Client
}

// NewWebhookAdapter builds a WebhookAdapter whose HTTP client enforces
// the spec's timeout and redirect limit.
func NewWebhookAdapter(timeout time.Duration) *WebhookAdapter {
	return &WebhookAdapter{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Execute renders the request body, signs it, and POSTs it to the
// Automation's configured URL.
func (w *WebhookAdapter) Execute(ctx context.Context, job Job) (Result, error) {
	url, _ := job.Automation.Config["url"].(string)
	if url == "" {
		return Result{}, &PermanentError{Err: errors.New("webhook: automation config missing url")}
	}

	body, err := renderBody(job)
	if err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("webhook: render body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("webhook: build request: %w", err)}
	}

	applyHeaders(req, job.Automation, body)

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, &RetriableError{Err: fmt.Errorf("webhook: request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	snapshot := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{ResponseSnapshot: snapshot}, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Result{}, &RetriableError{Err: fmt.Errorf("webhook: %s", snapshot)}
	default:
		return Result{}, &PermanentError{Err: fmt.Errorf("webhook: %s", snapshot)}
	}
}

func applyHeaders(req *http.Request, automation model.Automation, body []byte) {
	if headers, ok := automation.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	// Always set last: these three must never be overridable by an
	// automation's own header config.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GeoFence-Signature", signBody(automation.ID, body))
	req.Header.Set("X-GeoFence-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
}

func signBody(automationID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(automationID))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func renderBody(job Job) ([]byte, error) {
	automation := job.Automation
	if tmpl, ok := automation.Config["bodyTemplate"].(string); ok && tmpl != "" {
		rendered := renderTemplate(tmpl, job)
		var probe json.RawMessage
		if err := json.Unmarshal([]byte(rendered), &probe); err != nil {
			return nil, fmt.Errorf("rendered template is not valid JSON: %w", err)
		}
		return []byte(rendered), nil
	}

	dwellSeconds := 0
	if job.Event.DwellSeconds != nil {
		dwellSeconds = *job.Event.DwellSeconds
	}
	envelope := map[string]interface{}{
		"device":       job.DeviceName,
		"geofence":     job.ZoneName,
		"event":        string(job.Event.Type),
		"timestamp":    job.Event.Timestamp.Format(time.RFC3339),
		"deviceId":     job.Event.DeviceID,
		"geofenceId":   job.Event.ZoneID,
		"dwellSeconds": dwellSeconds,
	}
	return json.Marshal(envelope)
}

var templateVars = []string{"device", "geofence", "event", "timestamp", "deviceId", "geofenceId", "dwellSeconds"}

func renderTemplate(tmpl string, job Job) string {
	dwellSeconds := "0"
	if job.Event.DwellSeconds != nil {
		dwellSeconds = strconv.Itoa(*job.Event.DwellSeconds)
	}
	values := map[string]string{
		"device":       job.DeviceName,
		"geofence":     job.ZoneName,
		"event":        string(job.Event.Type),
		"timestamp":    job.Event.Timestamp.Format(time.RFC3339),
		"deviceId":     job.Event.DeviceID,
		"geofenceId":   job.Event.ZoneID,
		"dwellSeconds": dwellSeconds,
	}

	out := tmpl
	for _, v := range templateVars {
		out = strings.ReplaceAll(out, "{{"+v+"}}", values[v])
	}
	return out
}
