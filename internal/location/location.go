// Package location normalizes the platform position sources behind a single
// sampler: one-shot fixes and a continuous watch with a movement filter.
package location

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ErrorCode classifies position failures the way the platform APIs do.
type ErrorCode int

const (
	PermissionDenied ErrorCode = iota + 1
	PositionUnavailable
	PositionTimeout
)

func (c ErrorCode) String() string {
	switch c {
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case PositionUnavailable:
		return "POSITION_UNAVAILABLE"
	case PositionTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// PositionError is a classified sampling failure.
type PositionError struct {
	Code    ErrorCode
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position error %s: %s", e.Code, e.Message)
}

// Sample is a single GPS fix. Immutable once captured.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"timestamp"`
}

// Validate rejects out-of-range coordinates and negative accuracy.
func (s Sample) Validate() error {
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", s.Longitude)
	}
	if s.Accuracy < 0 {
		return fmt.Errorf("accuracy %f negative", s.Accuracy)
	}
	return nil
}

// Constraints mirror the platform position options.
type Constraints struct {
	HighAccuracy   bool
	Timeout        time.Duration
	MaximumAge     time.Duration
	DistanceFilter float64 // meters of movement before the watch re-notifies
}

// Provider is a raw position source. Implementations stream every fix they
// see; filtering is the sampler's job.
type Provider interface {
	// Current returns a single fix, bounded by ctx.
	Current(ctx context.Context, c Constraints) (Sample, error)
	// Stream delivers fixes until cancel is called.
	Stream(ctx context.Context, onFix func(Sample), onErr func(error)) (cancel func(), err error)
	// PermissionGranted reports the boolean capability gate.
	PermissionGranted() bool
}

// Subscription identifies an active watch.
type Subscription struct {
	cancel func()
}

// Cancel tears down the watch. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Sampler wraps a Provider with validation and the movement filter.
type Sampler struct {
	provider Provider
}

func NewSampler(p Provider) *Sampler {
	return &Sampler{provider: p}
}

// PermissionGranted reports whether location access is available.
func (s *Sampler) PermissionGranted() bool {
	return s.provider.PermissionGranted()
}

// Current acquires one fix. The result is not stored as last-known state;
// only watch callbacks feed that.
func (s *Sampler) Current(ctx context.Context, c Constraints) (Sample, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	fix, err := s.provider.Current(ctx, c)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Sample{}, &PositionError{Code: PositionTimeout, Message: "one-shot fix timed out"}
		}
		return Sample{}, err
	}
	if err := fix.Validate(); err != nil {
		return Sample{}, &PositionError{Code: PositionUnavailable, Message: err.Error()}
	}
	return fix, nil
}

// Watch subscribes to continuous fixes. onSample only fires for valid fixes
// that moved at least DistanceFilter meters since the last notification.
func (s *Sampler) Watch(ctx context.Context, c Constraints, onSample func(Sample), onErr func(error)) (*Subscription, error) {
	if !s.provider.PermissionGranted() {
		return nil, &PositionError{Code: PermissionDenied, Message: "location permission not granted"}
	}

	var last *Sample
	cancel, err := s.provider.Stream(ctx, func(fix Sample) {
		if err := fix.Validate(); err != nil {
			onErr(&PositionError{Code: PositionUnavailable, Message: err.Error()})
			return
		}
		if last != nil && c.DistanceFilter > 0 {
			if DistanceMeters(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude) < c.DistanceFilter {
				return
			}
		}
		copied := fix
		last = &copied
		onSample(fix)
	}, onErr)
	if err != nil {
		return nil, err
	}

	return &Subscription{cancel: cancel}, nil
}

const earthRadiusMeters = 6371000

// DistanceMeters is the haversine distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
