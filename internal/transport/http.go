package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/model"
)

// deliveryEnvelope is the JSON body POSTed to the downstream endpoint.
type deliveryEnvelope struct {
	ID       string `json:"id"`
	Payload  string `json:"payload"`
	Attempt  int    `json:"attempt"`
	TraceID  string `json:"trace_id,omitempty"`
	QueuedAt int64  `json:"queued_at"`
}

// HTTPTransport POSTs work items to a webhook URL. Responses map to
// outcomes: 2xx success, 429/5xx server-busy (honoring Retry-After),
// any other 4xx client-reject, and network errors transport-error.
type HTTPTransport struct {
	client *http.Client
	url    string
	secret string
}

func NewHTTPTransport(url, secret string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		url:    url,
		secret: secret,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, item *model.WorkItem) model.Outcome {
	start := time.Now()

	body, err := json.Marshal(deliveryEnvelope{
		ID:       item.ID,
		Payload:  item.Payload,
		Attempt:  item.Attempt,
		TraceID:  item.TraceID,
		QueuedAt: item.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return model.Outcome{Kind: model.OutcomeTransportError, Latency: time.Since(start), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return model.Outcome{Kind: model.OutcomeTransportError, Latency: time.Since(start), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if item.TraceID != "" {
		req.Header.Set("X-Trace-ID", item.TraceID)
	}
	if t.secret != "" {
		mac := hmac.New(sha256.New, []byte(t.secret))
		mac.Write(body)
		req.Header.Set("X-Herd-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.Outcome{Kind: model.OutcomeTransportError, Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	latency := time.Since(start)
	return classify(resp, latency)
}

func classify(resp *http.Response, latency time.Duration) model.Outcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return model.Outcome{Kind: model.OutcomeSuccess, StatusCode: resp.StatusCode, Latency: latency}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.Outcome{
			Kind:       model.OutcomeServerBusy,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return model.Outcome{Kind: model.OutcomeClientReject, StatusCode: resp.StatusCode, Latency: latency}
	}
}

// parseRetryAfter accepts the delta-seconds form or an HTTP date. Zero when
// the header is absent or malformed.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
