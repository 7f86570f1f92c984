package uplink

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const probeTimeout = 5 * time.Second

// LatencyProbe estimates round-trip latency against the non-critical
// health-check endpoint. Failures are reported, never fatal.
type LatencyProbe struct {
	client *http.Client
	url    string
}

func NewLatencyProbe(client *http.Client, baseURL string) *LatencyProbe {
	return &LatencyProbe{
		client: client,
		url:    joinPath(baseURL, "api/health_check.php"),
	}
}

// Measure performs one GET and returns the observed round-trip time.
func (p *LatencyProbe) Measure(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("probe request: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return elapsed, fmt.Errorf("probe status %d", resp.StatusCode)
	}

	log.Debug().Dur("latency", elapsed).Msg("connectivity probe completed")
	return elapsed, nil
}
