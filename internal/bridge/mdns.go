package bridge

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	mdnsServiceType = "_attendance-agent._tcp"
	mdnsDomain      = "local."
)

// mdnsAdvertiser announces the bridge endpoint so the web shell can find the
// agent without static configuration.
type mdnsAdvertiser struct {
	server *zeroconf.Server
}

func startMDNS(listenAddr string) (*mdnsAdvertiser, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("invalid bridge port %q", portStr)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "attendance-agent"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Attendance Agent (%s)", hostname))
	txt := []string{
		"bridge_path=/bridge",
		"health_path=/health",
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", instance).Int("port", port).Msg("mDNS advertisement started")
	return &mdnsAdvertiser{server: server}, nil
}

func (a *mdnsAdvertiser) stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	log.Info().Msg("mDNS advertisement stopped")
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Attendance Agent"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
