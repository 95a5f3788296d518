// Package callback posts finished job results to the caller's webhook and
// parks deliveries that failed so an operator can replay them.
package callback

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
	"time"

	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/job"
	"compile-sandbox/internal/monitor"
)

const (
	SignatureHeader = "X-Compile-Signature"
	JobIDHeader     = "X-Compile-Job-ID"

	DefaultTimeout = 30 * time.Second
)

var ErrDelivery = errors.New("callback delivery failed")

// Payload is the webhook body.
type Payload struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
	Output string     `json:"output"`
}

// Parked is a delivery kept for a later Redeliver.
type Parked struct {
	URL      string    `json:"url"`
	Payload  Payload   `json:"payload"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"lastError"`
	ParkedAt time.Time `json:"parkedAt"`
}

type Options struct {
	Timeout       time.Duration
	SigningSecret string
	Parker        Parker
	Metrics       *monitor.Metrics
	HTTPClient    *http.Client
}

// Dispatcher delivers results. Delivery never changes a job's status.
type Dispatcher struct {
	client  *http.Client
	secret  []byte
	parker  Parker
	metrics *monitor.Metrics
}

func NewDispatcher(opts Options) *Dispatcher {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	var secret []byte
	if opts.SigningSecret != "" {
		secret = []byte(opts.SigningSecret)
	}
	return &Dispatcher{
		client:  client,
		secret:  secret,
		parker:  opts.Parker,
		metrics: opts.Metrics,
	}
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts the record's result to its callback URL. An empty URL is a
// no-op. A failed delivery is logged and parked; the returned error wraps
// ErrDelivery.
func (d *Dispatcher) Deliver(ctx context.Context, rec *job.Record) error {
	if rec.CallbackURL == "" {
		return nil
	}
	p := Payload{JobID: rec.ID, Status: rec.Status, Output: rec.Output}
	return d.deliver(ctx, rec.CallbackURL, p, 0)
}

func (d *Dispatcher) deliver(ctx context.Context, url string, p Payload, attempts int) error {
	logger := log.With().Str("job_id", p.JobID).Str("callback_url", url).Logger()

	err := d.post(ctx, url, p)
	if err == nil {
		logger.Info().Str("status", string(p.Status)).Msg("callback delivered")
		d.record("delivered")
		return nil
	}

	logger.Warn().Err(err).Msg("callback delivery failed")
	d.record("failed")

	if d.parker != nil {
		parked := Parked{
			URL:      url,
			Payload:  p,
			Attempts: attempts + 1,
			LastErr:  err.Error(),
			ParkedAt: time.Now().UTC(),
		}
		// The job context may already be done; parking must still happen.
		if perr := d.parker.Park(context.WithoutCancel(ctx), parked); perr != nil {
			logger.Error().Err(perr).Msg("parking failed callback")
		} else {
			d.record("parked")
		}
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(JobIDHeader, p.JobID)
	if d.secret != nil {
		req.Header.Set(SignatureHeader, Sign(body, d.secret))
	}

	resp, err := d.client.Do(req) // #nosec G107 -- callback URLs are validated as absolute http(s) at submission
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: receiver answered %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) record(result string) {
	if d.metrics != nil {
		d.metrics.RecordCallback(result)
	}
}

// RedeliverReport summarizes one Redeliver pass.
type RedeliverReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Redeliver replays up to max parked deliveries. Entries that fail again are
// parked at the tail and are not retried within the same pass.
func (d *Dispatcher) Redeliver(ctx context.Context, max int) (RedeliverReport, error) {
	var report RedeliverReport
	if d.parker == nil {
		return report, nil
	}

	n, err := d.parker.Len(ctx)
	if err != nil {
		return report, err
	}
	if max > 0 && int64(max) < n {
		n = int64(max)
	}

	for i := int64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		parked, ok, err := d.parker.Pop(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		report.Attempted++
		if err := d.deliver(ctx, parked.URL, parked.Payload, parked.Attempts); err != nil {
			report.Failed++
			continue
		}
		report.Delivered++
	}

	remaining, err := d.parker.Len(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = int(remaining)

	log.Info().
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Msg("callback redelivery pass finished")
	return report, nil
}
