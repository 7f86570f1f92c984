// Package tracker owns the tracking session state machine: the continuous
// watch subscription, the periodic uplink timer, and cadence adaptation.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/power"
	"github.com/teukurijal/attendance-apps/internal/store"
	"github.com/teukurijal/attendance-apps/internal/uplink"
)

// State is the tracking session state.
type State int

const (
	Stopped State = iota
	Starting
	Active
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Active:
		return "active"
	}
	return "unknown"
}

// Sender delivers samples; satisfied by *uplink.Uplink.
type Sender interface {
	Send(ctx context.Context, s location.Sample) (*uplink.APIResult, error)
	AdjustTimeout(ctx context.Context)
}

// Notifier receives user-facing tracking events, typically forwarded to the
// web content over the bridge. Any method set may be nil-implemented.
type Notifier interface {
	TrackingStarted()
	TrackingStopped()
	TrackingError(reason string)
	LocationUpdate(s location.Sample)
	LocationError(code, message string)
}

// Snapshot is a point-in-time view of the tracking state.
type Snapshot struct {
	State           State
	IsActive        bool
	CurrentInterval time.Duration
	LastSample      *location.Sample
	RetryCount      int
}

// Controller serializes all state transitions through one mutex; watch
// callbacks, timer ticks, and bridge commands never race on shared state.
type Controller struct {
	cfg      *config.Config
	sampler  *location.Sampler
	sender   Sender
	store    *store.Store
	power    *power.State
	notifier Notifier

	mu         sync.Mutex
	state      State
	interval   time.Duration
	lastSample *location.Sample
	retryCount int
	sub        *location.Subscription
	cancel     context.CancelFunc
	intervalCh chan time.Duration
	wg         sync.WaitGroup
}

func New(cfg *config.Config, sampler *location.Sampler, sender Sender, st *store.Store, pw *power.State, notifier Notifier) *Controller {
	return &Controller{
		cfg:      cfg,
		sampler:  sampler,
		sender:   sender,
		store:    st,
		power:    pw,
		notifier: notifier,
	}
}

func (c *Controller) constraints() location.Constraints {
	t := c.cfg.Tracking
	return location.Constraints{
		HighAccuracy:   t.HighAccuracy,
		Timeout:        time.Duration(t.TimeoutSeconds) * time.Second,
		MaximumAge:     time.Duration(t.MaximumAgeSeconds) * time.Second,
		DistanceFilter: float64(t.DistanceFilterMeters),
	}
}

// Start begins a tracking session. Calling it while a session is starting or
// active is a no-op. Gate failures leave the state Stopped and are reported
// to the user; they are not retried automatically.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped {
		c.mu.Unlock()
		log.Debug().Str("state", c.state.String()).Msg("tracking already running")
		return nil
	}
	c.state = Starting
	c.mu.Unlock()

	fail := func(reason string, err error) error {
		c.mu.Lock()
		c.state = Stopped
		c.mu.Unlock()
		if c.notifier != nil {
			c.notifier.TrackingError(reason)
		}
		log.Warn().Err(err).Str("reason", reason).Msg("tracking start aborted")
		return err
	}

	nik, deviceID, err := c.store.Identity(ctx)
	if err != nil || nik == "" || deviceID == "" {
		return fail("login through the web interface first to enable location tracking",
			errors.New("identity not configured"))
	}

	if !c.sampler.PermissionGranted() {
		return fail("location permission is required for attendance tracking",
			errors.New("location permission not granted"))
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	// first one-shot sample gates the transition to Active
	first, err := c.sampler.Current(sessionCtx, c.constraints())
	if err != nil {
		cancel()
		return fail("could not acquire an initial location fix", err)
	}
	c.storeSample(ctx, first)
	if _, err := c.sender.Send(ctx, first); err != nil {
		// classified uplink failures don't abort the session
		log.Warn().Err(err).Msg("initial location report failed")
	}

	sub, err := c.sampler.Watch(sessionCtx, c.constraints(), func(s location.Sample) {
		c.onSample(s)
	}, func(err error) {
		c.onWatchError(err)
	})
	if err != nil {
		cancel()
		return fail("could not start the location watch", err)
	}

	interval := c.desiredInterval()

	c.mu.Lock()
	// a Stop issued while the gates ran wins; discard the session
	if c.state != Starting {
		c.mu.Unlock()
		sub.Cancel()
		cancel()
		log.Info().Msg("tracking stopped while starting, session discarded")
		return nil
	}
	c.state = Active
	c.sub = sub
	c.cancel = cancel
	c.interval = interval
	c.intervalCh = make(chan time.Duration, 1)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.periodicLoop(sessionCtx, interval)
	go c.adaptLoop(sessionCtx)

	if err := c.store.Set(ctx, store.KeyLocationTrackingActive, "true"); err != nil {
		log.Warn().Err(err).Msg("persist tracking flag failed")
	}
	if c.notifier != nil {
		c.notifier.TrackingStarted()
	}
	log.Info().Dur("interval", interval).Msg("location tracking started")
	return nil
}

// Stop tears down the session: the watch is invalidated, timers cleared, and
// the session context cancelled, which aborts a periodic send still in flight.
// Cancelled sends are never queued or counted as connectivity failures.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	sub := c.sub
	cancel := c.cancel
	c.sub = nil
	c.cancel = nil
	c.state = Stopped
	c.lastSample = nil
	c.retryCount = 0
	c.interval = 0
	c.mu.Unlock()

	sub.Cancel()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := c.store.Set(ctx, store.KeyLocationTrackingActive, "false"); err != nil {
		log.Warn().Err(err).Msg("persist tracking flag failed")
	}

	if c.notifier != nil {
		c.notifier.TrackingStopped()
	}
	log.Info().Msg("location tracking stopped")
}

// IsActive reports whether a session is active.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active
}

// Snapshot returns the current tracking state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:           c.state,
		IsActive:        c.state == Active,
		CurrentInterval: c.interval,
		RetryCount:      c.retryCount,
	}
	if c.lastSample != nil {
		copied := *c.lastSample
		snap.LastSample = &copied
	}
	return snap
}

// LastSample returns the most recent watch-produced sample, if any.
func (c *Controller) LastSample() *location.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSample == nil {
		return nil
	}
	copied := *c.lastSample
	return &copied
}

func (c *Controller) onSample(s location.Sample) {
	c.mu.Lock()
	copied := s
	c.lastSample = &copied
	c.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	c.storeSample(ctx, s)

	if c.notifier != nil {
		c.notifier.LocationUpdate(s)
	}
}

func (c *Controller) storeSample(ctx context.Context, s location.Sample) {
	if err := c.store.SetJSON(ctx, store.KeyLastLocation, s); err != nil {
		log.Warn().Err(err).Msg("persist last location failed")
	}
	if err := c.store.Set(ctx, store.KeyLastLocationUpdate, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("persist last location timestamp failed")
	}
}

func (c *Controller) onWatchError(err error) {
	var perr *location.PositionError
	if !errors.As(err, &perr) {
		log.Warn().Err(err).Msg("location watch error")
		return
	}

	switch perr.Code {
	case location.PermissionDenied:
		// fatal to the session: auto-stop and tell the user
		log.Error().Err(perr).Msg("location permission revoked, stopping tracking")
		if c.notifier != nil {
			c.notifier.LocationError(perr.Code.String(), perr.Message)
			c.notifier.TrackingError("location access was denied, tracking stopped")
		}
		go c.Stop()
	case location.PositionUnavailable, location.PositionTimeout:
		// transient: the watch keeps running
		log.Debug().Err(perr).Msg("transient watch error")
	default:
		log.Warn().Err(perr).Msg("unclassified watch error")
	}
}

func (c *Controller) periodicLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.mu.Lock()
	intervalCh := c.intervalCh
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-intervalCh:
			ticker.Stop()
			ticker = time.NewTicker(next)
			log.Info().Dur("interval", next).Msg("periodic uplink rearmed")
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick sends the last watch sample. A tick with no sample yet is a no-op.
func (c *Controller) tick(ctx context.Context) {
	nik, deviceID, err := c.store.Identity(ctx)
	if err != nil || nik == "" || deviceID == "" {
		log.Debug().Msg("tick skipped, identity not configured")
		return
	}

	last := c.LastSample()
	if last == nil {
		return
	}

	if _, err := c.sender.Send(ctx, *last); err != nil {
		c.mu.Lock()
		c.retryCount++
		c.mu.Unlock()
		log.Warn().Err(err).Msg("periodic location report failed")
		return
	}

	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
}

// adaptLoop recomputes the cadence from the power-state heuristic on a
// coarse period and rearms the timer only when the interval changed.
func (c *Controller) adaptLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Tracking.AdaptInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.adjustInterval()
			c.sender.AdjustTimeout(ctx)
		}
	}
}

func (c *Controller) adjustInterval() {
	desired := c.desiredInterval()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || c.interval == desired {
		return
	}
	c.interval = desired
	select {
	case c.intervalCh <- desired:
	default:
	}
}

func (c *Controller) desiredInterval() time.Duration {
	if c.power.LowPower() {
		return c.cfg.Tracking.LowPowerInterval()
	}
	return c.cfg.Tracking.Interval()
}
