package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/location"
)

const requestTimeout = 20 * time.Second

// dispatch routes one inbound message. Unknown kinds are logged and ignored
// so newer web content doesn't break older agents.
func (s *Server) dispatch(msg *Message) {
	kind := msg.Kind()
	log.Debug().Str("kind", string(kind)).Msg("bridge message received")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch kind {
	case KindWebviewReady:
		s.sendAppInfo()
		s.sendTrackingStatus()

	case KindGetCurrentLocation:
		s.sendCurrentLocation(ctx)

	case KindGetTrackingStatus:
		s.sendTrackingStatus()

	case KindStartTracking:
		// also announced after a successful check-in, with outcome fields
		if msg.Success != nil {
			log.Info().Str("tipe", msg.Tipe).Bool("success", *msg.Success).Msg("attendance outcome received")
		}
		if err := s.tracker.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("start tracking request failed")
		}

	case KindStopTracking:
		if msg.Success != nil {
			log.Info().Str("tipe", msg.Tipe).Bool("success", *msg.Success).Msg("attendance outcome received")
		}
		s.tracker.Stop()

	case KindSetCredentials:
		s.setCredentials(ctx, msg)

	case KindLocationUpdated:
		// acknowledgement from the map UI, informational only
		log.Debug().Msg("location acknowledged by web content")

	case KindFakeGPSDetected:
		// server-side verdict reported by the web content; echo it back so
		// every listener sees a consistent state
		log.Warn().Str("platform", msg.Platform).Msg("fake GPS reported by server check")
		s.Push(FakeGPSVerdict(true, msg.Platform))

	case KindAttendanceError:
		log.Warn().Str("tipe", msg.Tipe).Str("error", msg.Error).Msg("attendance submission rejected")

	case KindAttendanceNetworkError:
		log.Warn().Str("tipe", msg.Tipe).Str("error", msg.Error).Msg("attendance submission network failure")

	case KindSetReminderAlarm:
		s.lifecycle.ScheduleReminder(msg.Hour, msg.Minute)

	case KindCancelReminderAlarm:
		s.lifecycle.CancelReminder()

	case KindAppState:
		s.lifecycle.OnAppState(ctx, msg.State)

	default:
		log.Info().Str("kind", string(kind)).Msg("ignoring unknown bridge message")
	}
}

func (s *Server) setCredentials(ctx context.Context, msg *Message) {
	nik := msg.NikString()
	if nik == "" {
		log.Warn().Msg("SET_CREDENTIALS without nik, ignored")
		return
	}

	if err := s.store.SetIdentity(ctx, nik, msg.DeviceID); err != nil {
		log.Error().Err(err).Msg("persist credentials failed")
		return
	}

	// the web login that announced credentials also set fresh cookies
	s.gate.RefreshCookies(ctx)
	log.Info().Str("nik", nik).Msg("credentials announced by web content")
}

func (s *Server) sendCurrentLocation(ctx context.Context) {
	t := s.cfg.Tracking
	sample, err := s.sampler.Current(ctx, location.Constraints{
		HighAccuracy: t.HighAccuracy,
		Timeout:      time.Duration(t.TimeoutSeconds) * time.Second,
		MaximumAge:   time.Duration(t.MaximumAgeSeconds) * time.Second,
	})
	if err != nil {
		code := "UNKNOWN"
		var perr *location.PositionError
		if errors.As(err, &perr) {
			code = perr.Code.String()
		}
		s.Push(LocationError(code, err.Error()))
		return
	}
	s.Push(LocationData(sample.Latitude, sample.Longitude, sample.Accuracy, sample.CapturedAt))
}

func (s *Server) sendTrackingStatus() {
	snap := s.tracker.Snapshot()
	s.Push(TrackingStatus(snap.IsActive, !s.uplink.Offline(), s.uplink.PendingCount(), snap.CurrentInterval))
}

func (s *Server) sendAppInfo() {
	s.Push(AppInfo(s.cfg.Agent.Platform, s.sampler.PermissionGranted(), s.tracker.IsActive()))
}
