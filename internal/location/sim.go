package location

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/teukurijal/attendance-apps/internal/config"
)

// SimProvider emits fixes around a configured coordinate. Used for local
// development and as the default provider when no device source is wired.
type SimProvider struct {
	lat       float64
	lng       float64
	accuracy  float64
	permitted bool
	tick      time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimProvider(cfg config.ProviderConfig) *SimProvider {
	return &SimProvider{
		lat:       cfg.SimLatitude,
		lng:       cfg.SimLongitude,
		accuracy:  cfg.SimAccuracy,
		permitted: cfg.SimPermitted,
		tick:      2 * time.Second,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimProvider) PermissionGranted() bool {
	return p.permitted
}

func (p *SimProvider) Current(ctx context.Context, _ Constraints) (Sample, error) {
	if !p.permitted {
		return Sample{}, &PositionError{Code: PermissionDenied, Message: "location permission not granted"}
	}
	select {
	case <-ctx.Done():
		return Sample{}, &PositionError{Code: PositionTimeout, Message: ctx.Err().Error()}
	default:
	}
	return p.fix(), nil
}

func (p *SimProvider) Stream(ctx context.Context, onFix func(Sample), onErr func(error)) (func(), error) {
	if !p.permitted {
		return nil, &PositionError{Code: PermissionDenied, Message: "location permission not granted"}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				onFix(p.fix())
			}
		}
	}()
	return cancel, nil
}

func (p *SimProvider) fix() Sample {
	p.mu.Lock()
	// ~11m of jitter keeps the movement filter exercised
	jlat := (p.rng.Float64() - 0.5) * 0.0002
	jlng := (p.rng.Float64() - 0.5) * 0.0002
	p.mu.Unlock()

	return Sample{
		Latitude:   p.lat + jlat,
		Longitude:  p.lng + jlng,
		Accuracy:   p.accuracy,
		CapturedAt: time.Now(),
	}
}
