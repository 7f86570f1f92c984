package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/config"
)

// fixPayload is the JSON frame the device shell publishes per GPS fix.
type fixPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

// MQTTProvider consumes GPS fixes published by the device shell on a broker
// topic. The newest fix is retained so one-shot reads don't have to wait for
// the next publish.
type MQTTProvider struct {
	client mqtt.Client
	topic  string

	mu       sync.Mutex
	lastFix  *Sample
	watchers map[int]func(Sample)
	nextID   int
}

func NewMQTTProvider(cfg config.MQTTConfig) (*MQTTProvider, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url not configured")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("attendance-agent-%d", time.Now().UnixNano())
	}

	p := &MQTTProvider{
		topic:    cfg.Topic,
		watchers: make(map[int]func(Sample)),
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.BrokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(p.topic, 0, p.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", p.topic).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("topic", p.topic).Msg("mqtt fix subscription active")
	}

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	return p, nil
}

func (p *MQTTProvider) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload fixPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping malformed fix payload")
		return
	}

	capturedAt := time.Now()
	if payload.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			capturedAt = ts
		}
	}

	fix := Sample{
		Latitude:   payload.Latitude,
		Longitude:  payload.Longitude,
		Accuracy:   payload.Accuracy,
		CapturedAt: capturedAt,
	}

	p.mu.Lock()
	copied := fix
	p.lastFix = &copied
	callbacks := make([]func(Sample), 0, len(p.watchers))
	for _, cb := range p.watchers {
		callbacks = append(callbacks, cb)
	}
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(fix)
	}
}

// PermissionGranted reports whether the broker link is up; a device that
// cannot publish fixes is indistinguishable from one without permission.
func (p *MQTTProvider) PermissionGranted() bool {
	return p.client.IsConnectionOpen()
}

func (p *MQTTProvider) Current(ctx context.Context, c Constraints) (Sample, error) {
	p.mu.Lock()
	last := p.lastFix
	p.mu.Unlock()

	if last != nil && (c.MaximumAge <= 0 || time.Since(last.CapturedAt) <= c.MaximumAge) {
		return *last, nil
	}

	// wait for the next publish
	ch := make(chan Sample, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = func(s Sample) {
		select {
		case ch <- s:
		default:
		}
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		return Sample{}, &PositionError{Code: PositionTimeout, Message: "no fix published in time"}
	}
}

func (p *MQTTProvider) Stream(ctx context.Context, onFix func(Sample), onErr func(error)) (func(), error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = onFix
	p.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-streamCtx.Done()
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}()

	return cancel, nil
}

// Close disconnects from the broker.
func (p *MQTTProvider) Close() {
	p.client.Disconnect(250)
}
