package syncqueue

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Listener receives connectivity transitions.
type Listener interface {
	OnConnectivityChange(ctx context.Context, online bool)
}

// Monitor tracks device connectivity from platform events and an optional HTTP probe.
type Monitor struct {
	logg       *logger.Logger
	httpClient *http.Client
	probeURL   string
	interval   time.Duration

	mu        sync.RWMutex
	online    bool
	listeners []Listener
}

// NewMonitor starts in the given state. An empty probeURL disables probing.
func NewMonitor(logg *logger.Logger, probeURL string, interval time.Duration, startOnline bool) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Monitor{
		logg:       logg,
		httpClient: &http.Client{Timeout: probeTimeout},
		probeURL:   probeURL,
		interval:   interval,
		online:     startOnline,
	}
}

func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Online records an online event from the platform.
func (m *Monitor) Online(ctx context.Context) {
	m.set(ctx, true)
}

// Offline records an offline event from the platform.
func (m *Monitor) Offline(ctx context.Context) {
	m.set(ctx, false)
}

func (m *Monitor) set(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.logg != nil {
		m.logg.Info(m.logg.WithField(ctx, "online", online), "connectivity changed")
	}
	for _, l := range listeners {
		l.OnConnectivityChange(ctx, online)
	}
}

// Run probes the configured URL on an interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probeURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.set(ctx, m.probe(ctx))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
