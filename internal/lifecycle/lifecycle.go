// Package lifecycle reacts to app-state transitions reported by the shell:
// it persists tracking intent across background trips and runs the
// substitute delivery loop while continuous watches are suspended.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/power"
	"github.com/teukurijal/attendance-apps/internal/store"
	"github.com/teukurijal/attendance-apps/internal/tracker"
	"github.com/teukurijal/attendance-apps/internal/uplink"
)

// Coordinator owns the foreground/background transitions and the
// higher-frequency background sample-and-send loop.
type Coordinator struct {
	cfg     *config.Config
	tracker *tracker.Controller
	uplink  *uplink.Uplink
	sampler *location.Sampler
	store   *store.Store
	power   *power.State

	mu        sync.Mutex
	bgEnabled bool
	bgCancel  context.CancelFunc
	bgWG      sync.WaitGroup

	reminderMu     sync.Mutex
	reminderTimer  *time.Timer
	reminderNotify func(hour, minute int)
}

func New(cfg *config.Config, tc *tracker.Controller, up *uplink.Uplink, sampler *location.Sampler, st *store.Store, pw *power.State) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		tracker:   tc,
		uplink:    up,
		sampler:   sampler,
		store:     st,
		power:     pw,
		bgEnabled: true,
	}
}

// Init loads the persisted background-tracking preference. Defaults to
// enabled when nothing is stored.
func (c *Coordinator) Init(ctx context.Context) {
	value, err := c.store.Get(ctx, store.KeyBackgroundTrackingActive)
	if err != nil {
		log.Warn().Err(err).Msg("load background tracking preference failed")
		return
	}
	c.mu.Lock()
	c.bgEnabled = value != "false"
	c.mu.Unlock()
	log.Info().Bool("enabled", c.bgEnabled).Msg("background tracking initialized")
}

// SetBackgroundTrackingEnabled persists the preference.
func (c *Coordinator) SetBackgroundTrackingEnabled(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.bgEnabled = enabled
	c.mu.Unlock()

	value := "false"
	if enabled {
		value = "true"
	}
	if err := c.store.Set(ctx, store.KeyBackgroundTrackingActive, value); err != nil {
		log.Warn().Err(err).Msg("persist background tracking preference failed")
	}
}

// OnAppState handles a shell-reported app-state transition. States follow
// the mobile convention: "active", "inactive", "background".
func (c *Coordinator) OnAppState(ctx context.Context, state string) {
	switch state {
	case "active":
		c.power.SetBackground(false)
		c.onForeground(ctx)
	case "background", "inactive":
		c.power.SetBackground(true)
		c.onBackground(ctx)
	default:
		log.Debug().Str("state", state).Msg("ignoring unknown app state")
	}
}

func (c *Coordinator) onBackground(ctx context.Context) {
	isTracking := c.tracker.IsActive()

	value := "false"
	if isTracking {
		value = "true"
	}
	if err := c.store.Set(ctx, store.KeyWasLocationTracking, value); err != nil {
		log.Warn().Err(err).Msg("persist was-tracking flag failed")
	}

	c.mu.Lock()
	enabled := c.bgEnabled
	c.mu.Unlock()

	if isTracking && enabled {
		c.startBackgroundLoop()
	}
	log.Info().Bool("was_tracking", isTracking).Msg("background transition completed")
}

func (c *Coordinator) onForeground(ctx context.Context) {
	c.stopBackgroundLoop()

	// flush anything that piled up while backgrounded
	c.uplink.ForceSync(ctx, c.tracker.LastSample())

	wasTracking, err := c.store.Get(ctx, store.KeyWasLocationTracking)
	if err != nil {
		log.Warn().Err(err).Msg("read was-tracking flag failed")
	}
	if wasTracking == "true" && !c.tracker.IsActive() {
		log.Info().Msg("resuming location tracking from background")
		if err := c.tracker.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("resume tracking failed")
		}
	}
	log.Info().Msg("foreground transition completed")
}

// startBackgroundLoop runs a one-shot sample-and-send cycle on the
// background cadence, independent of the suspended watch subscription.
func (c *Coordinator) startBackgroundLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bgCancel != nil {
		return // already running
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.bgCancel = cancel

	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()

		ticker := time.NewTicker(c.cfg.Tracking.BackgroundInterval())
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.backgroundCycle(loopCtx)
			}
		}
	}()
	log.Info().Dur("interval", c.cfg.Tracking.BackgroundInterval()).Msg("background tracking started")
}

func (c *Coordinator) backgroundCycle(ctx context.Context) {
	constraints := location.Constraints{
		HighAccuracy: c.cfg.Tracking.HighAccuracy,
		Timeout:      time.Duration(c.cfg.Tracking.TimeoutSeconds) * time.Second,
	}

	sample, err := c.sampler.Current(ctx, constraints)
	if err != nil {
		log.Warn().Err(err).Msg("background fix failed")
		return
	}
	if _, err := c.uplink.Send(ctx, sample); err != nil {
		log.Warn().Err(err).Msg("background location report failed")
		return
	}
	if err := c.store.Set(ctx, store.KeyLastBackgroundUpdate, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("persist background update timestamp failed")
	}
}

func (c *Coordinator) stopBackgroundLoop() {
	c.mu.Lock()
	cancel := c.bgCancel
	c.bgCancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.bgWG.Wait()
	log.Info().Msg("background tracking stopped")
}

// BackgroundLoopActive reports whether the substitute delivery loop runs.
func (c *Coordinator) BackgroundLoopActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bgCancel != nil
}

// SetReminderNotify registers the callback fired when a scheduled reminder
// comes due.
func (c *Coordinator) SetReminderNotify(fn func(hour, minute int)) {
	c.reminderMu.Lock()
	c.reminderNotify = fn
	c.reminderMu.Unlock()
}

// ScheduleReminder arms a daily check-out reminder at the given local time.
// A new schedule replaces any previous one.
func (c *Coordinator) ScheduleReminder(hour, minute int) {
	c.reminderMu.Lock()
	defer c.reminderMu.Unlock()

	if c.reminderTimer != nil {
		c.reminderTimer.Stop()
	}

	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}

	c.reminderTimer = time.AfterFunc(time.Until(next), func() {
		log.Info().Int("hour", hour).Int("minute", minute).Msg("attendance reminder due")
		c.reminderMu.Lock()
		notify := c.reminderNotify
		c.reminderMu.Unlock()
		if notify != nil {
			notify(hour, minute)
		}
	})
	log.Info().Time("at", next).Msg("attendance reminder scheduled")
}

// CancelReminder clears any scheduled reminder.
func (c *Coordinator) CancelReminder() {
	c.reminderMu.Lock()
	defer c.reminderMu.Unlock()
	if c.reminderTimer != nil {
		c.reminderTimer.Stop()
		c.reminderTimer = nil
		log.Info().Msg("attendance reminder cancelled")
	}
}

// Shutdown stops background work on agent exit.
func (c *Coordinator) Shutdown() {
	c.stopBackgroundLoop()
	c.CancelReminder()
}
