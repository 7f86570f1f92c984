// Package uplink delivers location reports to the remote endpoint with
// bounded timeouts, retry with exponential backoff, and offline queueing.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/auth"
	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/integrity"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/store"
)

const userAgent = "EmployeeAttendanceApp/1.0"

// Kind classifies a send failure.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindNotConfigured
	KindNetworkTransient
	KindServerRejected
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotConfigured:
		return "not_configured"
	case KindNetworkTransient:
		return "network_transient"
	case KindServerRejected:
		return "server_rejected"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// SendError is a classified uplink failure.
type SendError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("uplink %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("uplink %s: %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// APIResult is the endpoint's application-level response.
type APIResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	LogID   int64  `json:"log_id,omitempty"`
}

type reportBody struct {
	NIK       int     `json:"nik"`
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Note      string  `json:"note"`
	Fake      int     `json:"fake"`
	Xposed    int     `json:"xposed"`
	IsVirtual int     `json:"isvirtual"`
}

// Uplink posts samples to the reporting endpoint. One instance is shared by
// the tracker, the lifecycle coordinator, and the bridge.
type Uplink struct {
	cfg     *config.Config
	client  *http.Client
	gate    *auth.Gate
	store   *store.Store
	probe   *integrity.Probe
	latency *LatencyProbe
	queue   *PendingQueue

	endpoint string

	offline    atomic.Bool
	draining   atomic.Bool
	apiTimeout atomic.Int64 // nanoseconds
}

func New(cfg *config.Config, st *store.Store, gate *auth.Gate, probe *integrity.Probe, client *http.Client) *Uplink {
	u := &Uplink{
		cfg:      cfg,
		client:   client,
		gate:     gate,
		store:    st,
		probe:    probe,
		latency:  NewLatencyProbe(client, cfg.Agent.BaseURL),
		queue:    NewPendingQueue(cfg.Retry.MaxPending),
		endpoint: joinPath(cfg.Agent.BaseURL, "api/gps_log.php"),
	}
	u.apiTimeout.Store(int64(cfg.Retry.APITimeout()))
	return u
}

// Offline reports whether the last exhausted send was connectivity-shaped.
func (u *Uplink) Offline() bool { return u.offline.Load() }

// PendingCount returns the number of queued undelivered samples.
func (u *Uplink) PendingCount() int { return u.queue.Len() }

// Timeout returns the current bounded total timeout per attempt.
func (u *Uplink) Timeout() time.Duration { return time.Duration(u.apiTimeout.Load()) }

type sendOpts struct {
	queueOnFailure bool
	drainOnSuccess bool
}

// Send delivers one sample. Precondition failures are rejected before any
// network call; transient failures are retried with exponential backoff and,
// when connectivity-shaped, queued for later delivery.
func (u *Uplink) Send(ctx context.Context, sample location.Sample) (*APIResult, error) {
	return u.send(ctx, sample, sendOpts{queueOnFailure: true, drainOnSuccess: true})
}

func (u *Uplink) send(ctx context.Context, sample location.Sample, opts sendOpts) (*APIResult, error) {
	// cookies may have been rewritten by the web content's own login flow
	u.gate.RefreshCookies(ctx)

	if !u.gate.IsAuthenticated(ctx) {
		return nil, &SendError{Kind: KindUnauthenticated, Message: "user not authenticated, login through the web content first"}
	}

	nik, deviceID, err := u.store.Identity(ctx)
	if err != nil {
		return nil, &SendError{Kind: KindNotConfigured, Message: "identity lookup failed", Err: err}
	}
	if nik == "" || deviceID == "" {
		return nil, &SendError{Kind: KindNotConfigured, Message: "user NIK or device id is empty, not configured"}
	}
	nikNum, err := strconv.Atoi(nik)
	if err != nil {
		return nil, &SendError{Kind: KindNotConfigured, Message: "user NIK is not numeric", Err: err}
	}

	bits := u.probe.Assess()
	body := reportBody{
		NIK:       nikNum,
		DeviceID:  deviceID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.Accuracy,
		Note:      u.cfg.Agent.Note,
		Fake:      0,
		Xposed:    bits.RootSuspected,
		IsVirtual: bits.MockLocationSuspected,
	}

	// marshalled once so retries resend the identical payload
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &SendError{Kind: KindServerRejected, Message: "encode report", Err: err}
	}

	maxRetries := u.cfg.Retry.MaxRetries
	baseDelay := u.cfg.Retry.RetryDelay()
	multiplier := float64(u.cfg.Retry.BackoffMultiplier)

	var lastErr *attemptError
	for attempt := 0; ; attempt++ {
		result, aerr := u.attempt(ctx, payload)
		if aerr == nil {
			u.offline.Store(false)
			if opts.drainOnSuccess {
				u.Drain(ctx)
			}
			return result, nil
		}
		lastErr = aerr

		log.Warn().
			Err(aerr.err).
			Int("attempt", attempt+1).
			Str("reason", aerr.message).
			Msg("location report failed")

		if !aerr.retryable || attempt >= maxRetries {
			break
		}

		backoff := time.Duration(float64(baseDelay) * math.Pow(multiplier, float64(attempt)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			cancelled := errors.Is(ctx.Err(), context.Canceled)
			lastErr = &attemptError{message: "wait for retry aborted", err: ctx.Err(), cancelled: cancelled, connectivity: !cancelled}
			attempt = maxRetries // exhausted
		}
		if attempt >= maxRetries {
			break
		}
	}

	// the caller gave up; their sample must not enter offline bookkeeping
	if lastErr.cancelled {
		return nil, &SendError{Kind: KindCancelled, Message: lastErr.message, Err: lastErr.err}
	}

	if lastErr.connectivity && opts.queueOnFailure {
		r := u.queue.Add(sample)
		u.offline.Store(true)
		log.Info().Str("report_id", r.ID).Int("pending", u.queue.Len()).Msg("sample queued for redelivery")
	}

	kind := KindNetworkTransient
	if !lastErr.retryable {
		kind = KindServerRejected
	}
	return nil, &SendError{Kind: kind, Message: lastErr.message, Err: lastErr.err}
}

type attemptError struct {
	message      string
	err          error
	retryable    bool // timeout, transport failure, 5xx
	connectivity bool // timeout or transport failure only
	cancelled    bool // caller cancelled the context
}

func (u *Uplink) attempt(ctx context.Context, payload []byte) (*APIResult, *attemptError) {
	reqCtx, cancel := context.WithTimeout(ctx, u.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &attemptError{message: "create request", err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if cookie := u.gate.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &attemptError{message: "request cancelled", err: err, cancelled: true}
		}
		if isTimeout(err) {
			return nil, &attemptError{message: "request timed out", err: err, retryable: true, connectivity: true}
		}
		return nil, &attemptError{message: "request failed", err: err, retryable: true, connectivity: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &attemptError{message: "read response", err: err, retryable: true, connectivity: true}
	}

	if resp.StatusCode >= 500 {
		return nil, &attemptError{
			message:   fmt.Sprintf("server error %d", resp.StatusCode),
			err:       fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw)),
			retryable: true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &attemptError{
			message: fmt.Sprintf("rejected with status %d", resp.StatusCode),
			err:     fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw)),
		}
	}

	var result APIResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &attemptError{message: "invalid JSON response", err: fmt.Errorf("parse %q: %w", truncate(raw), err)}
	}
	if result.Status != "success" {
		msg := result.Message
		if msg == "" {
			msg = "server returned error status"
		}
		return nil, &attemptError{message: msg, err: errors.New(msg)}
	}
	return &result, nil
}

// Drain re-attempts every queued report. Items that fail again are put back
// with their original ids. Reentrant calls are collapsed.
func (u *Uplink) Drain(ctx context.Context) {
	if !u.draining.CompareAndSwap(false, true) {
		return
	}
	defer u.draining.Store(false)

	items := u.queue.PopAll()
	if len(items) == 0 {
		return
	}
	log.Info().Int("count", len(items)).Msg("draining pending location reports")

	for _, item := range items {
		if _, err := u.send(ctx, item.Sample, sendOpts{}); err != nil {
			log.Warn().Err(err).Str("report_id", item.ID).Msg("redelivery failed, requeueing")
			u.queue.Put(item)
			continue
		}
		log.Info().Str("report_id", item.ID).Msg("queued report delivered")
	}
}

// ForceSync drains the queue and resends the last known sample, if any.
func (u *Uplink) ForceSync(ctx context.Context, last *location.Sample) {
	u.Drain(ctx)
	if last == nil {
		return
	}
	if _, err := u.Send(ctx, *last); err != nil {
		log.Warn().Err(err).Msg("force sync send failed")
	}
}

// AdjustTimeout re-measures endpoint latency and adapts the per-attempt
// timeout: 30s on a slow link, 25s moderate, 15s fast.
func (u *Uplink) AdjustTimeout(ctx context.Context) {
	latency, err := u.latency.Measure(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("latency probe failed, keeping current timeout")
		return
	}

	var next time.Duration
	switch {
	case latency > 3000*time.Millisecond:
		next = 30 * time.Second
	case latency > 1500*time.Millisecond:
		next = 25 * time.Second
	default:
		next = 15 * time.Second
	}

	if prev := u.Timeout(); prev != next {
		u.apiTimeout.Store(int64(next))
		log.Info().Dur("latency", latency).Dur("timeout", next).Msg("uplink timeout adapted")
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	return false
}

func truncate(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func joinPath(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
