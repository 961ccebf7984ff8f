// Package bus implements the MCP Bus (spec §4.1): an in-memory registry
// of live agents, an HTTP-forwarding call router, a per-agent circuit
// breaker, and composite health aggregation.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/events"
	"github.com/justnews/fabric/pkg/log"
	"github.com/justnews/fabric/pkg/metrics"
)

// AgentStatus is one agent's most recently observed health.
type AgentStatus string

const (
	StatusHealthy     AgentStatus = "healthy"
	StatusDegraded    AgentStatus = "degraded"
	StatusUnhealthy   AgentStatus = "unhealthy"
	StatusUnreachable AgentStatus = "unreachable"
	StatusUnknown     AgentStatus = "unknown"
)

// Agent is one registered MCP agent.
type Agent struct {
	Name         string
	Endpoint     string
	Capabilities []string
	RegisteredAt time.Time
}

// ProbeResult is the outcome of one /health probe.
type ProbeResult struct {
	Status       AgentStatus
	ResponseTime time.Duration
	StatusCode   int
	Error        string
}

// Bus is the MCP Bus: agent registry, call router, and circuit breakers.
type Bus struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	breakers map[string]*gobreaker.CircuitBreaker
	lastPass map[string]ProbeResult

	client       *http.Client
	callTimeout  time.Duration
	probeTimeout time.Duration
	ready        bool
	broker       *events.Broker
	breakerCfg   Config
}

// Config configures breaker thresholds and timeouts.
type Config struct {
	CallTimeout      time.Duration // default 30s per spec §4.1
	ProbeTimeout     time.Duration // default 1s per spec §4.1
	FailureThreshold uint32        // consecutive failures before opening
	OpenDuration     time.Duration // time spent open before half_open
}

func (c Config) withDefaults() Config {
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration == 0 {
		c.OpenDuration = 30 * time.Second
	}
	return c
}

// New creates a Bus. broker may be nil if event publication is not needed.
func New(cfg Config, broker *events.Broker) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		agents:       make(map[string]*Agent),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		lastPass:     make(map[string]ProbeResult),
		client:       &http.Client{Timeout: cfg.CallTimeout},
		callTimeout:  cfg.CallTimeout,
		probeTimeout: cfg.ProbeTimeout,
		broker:       broker,
		breakerCfg:   cfg,
	}
	return b
}

func (b *Bus) breaker(agent string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[agent]; ok {
		return cb
	}
	cfg := b.breakerCfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 1,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("bus").Info().Str("agent", name).
				Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			if b.broker != nil {
				typ := events.EventCircuitOpened
				if to == gobreaker.StateClosed {
					typ = events.EventCircuitClosed
				}
				b.broker.Publish(&events.Event{Type: typ, Message: name})
			}
		},
	})
	b.breakers[agent] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Register performs an idempotent upsert of agent and best-effort probes
// its endpoint, per spec §4.1.
func (b *Bus) Register(ctx context.Context, name, endpoint string, capabilities []string) error {
	if name == "" || endpoint == "" {
		return apierr.New("bus.register", apierr.KindValidation, "agent_name and endpoint are required")
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/health", nil)
	if err == nil {
		if resp, err := b.client.Do(req); err == nil {
			resp.Body.Close()
		}
		// best-effort: registration is not rejected on probe failure alone,
		// only on a structurally invalid request.
	}

	b.mu.Lock()
	b.agents[name] = &Agent{Name: name, Endpoint: endpoint, Capabilities: capabilities, RegisteredAt: time.Now()}
	b.mu.Unlock()

	if b.broker != nil {
		b.broker.Publish(&events.Event{Type: events.EventAgentRegistered, Message: name})
	}
	log.WithAgent(name).Info().Str("endpoint", endpoint).Msg("agent registered")
	return nil
}

// Deregister removes an agent from the registry (best-effort, used on
// agent shutdown per spec §4.2).
func (b *Bus) Deregister(name string) {
	b.mu.Lock()
	delete(b.agents, name)
	b.mu.Unlock()
}

func (b *Bus) lookup(name string) (*Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[name]
	return a, ok
}

// Call forwards args/kwargs to <endpoint>/<tool> per spec §4.1.
func (b *Bus) Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	a, ok := b.lookup(agent)
	if !ok {
		return nil, apierr.New("bus.call", apierr.KindNotFound, "agent_unknown")
	}

	cb := b.breaker(agent)
	timer := metrics.NewTimer()
	result, err := cb.Execute(func() (any, error) {
		return b.doCall(ctx, a, tool, args, kwargs)
	})
	timer.ObserveDuration(metrics.BusCallDuration.WithLabelValues(agent))

	if err != nil {
		status := "error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			status = "circuit_open"
			metrics.BusCallsTotal.WithLabelValues(agent, status).Inc()
			return nil, apierr.New("bus.call", apierr.KindPrecondition, "circuit_open").WithRetryable(true)
		}
		metrics.BusCallsTotal.WithLabelValues(agent, status).Inc()
		return nil, err
	}
	metrics.BusCallsTotal.WithLabelValues(agent, "ok").Inc()
	return result.(json.RawMessage), nil
}

func (b *Bus) doCall(ctx context.Context, a *Agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		return nil, apierr.Wrap("bus.call", apierr.KindValidation, err, "failed to encode request")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.Endpoint+"/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap("bus.call", apierr.KindValidation, err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, apierr.Wrap("bus.call", apierr.KindDeadlineExceeded, err, "timeout")
		}
		return nil, apierr.Wrap("bus.call", apierr.KindUpstream, err, "request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap("bus.call", apierr.KindUpstream, err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Wrapf("bus.call", apierr.KindUpstream, fmt.Errorf("status %d", resp.StatusCode),
			"non-2xx response: %d", resp.StatusCode)
	}
	return json.RawMessage(out), nil
}

// CompositeHealth is the result of health().
type CompositeHealth struct {
	Agents               map[string]ProbeResult
	OverallStatus        AgentStatus
	CircuitBreakerActive bool
}

// Health probes each registered agent's /health endpoint.
func (b *Bus) Health(ctx context.Context) CompositeHealth {
	b.mu.RLock()
	agents := make([]*Agent, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	b.mu.RUnlock()

	results := make(map[string]ProbeResult, len(agents))
	overall := StatusHealthy
	anyOpen := false

	for _, a := range agents {
		res := b.probe(ctx, a)
		results[a.Name] = res
		if res.Status != StatusHealthy {
			overall = StatusDegraded
		}
		if b.breaker(a.Name).State() == gobreaker.StateOpen {
			anyOpen = true
		}
	}

	b.mu.Lock()
	for name, res := range results {
		b.lastPass[name] = res
	}
	b.ready = true
	b.mu.Unlock()

	return CompositeHealth{Agents: results, OverallStatus: overall, CircuitBreakerActive: anyOpen}
}

func (b *Bus) probe(ctx context.Context, a *Agent) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.Endpoint+"/health", nil)
	if err != nil {
		return ProbeResult{Status: StatusUnknown, Error: err.Error()}
	}

	resp, err := b.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{Status: StatusUnreachable, ResponseTime: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()

	status := StatusHealthy
	switch {
	case resp.StatusCode >= 500:
		status = StatusUnhealthy
	case resp.StatusCode >= 400:
		status = StatusDegraded
	}
	return ProbeResult{Status: status, ResponseTime: elapsed, StatusCode: resp.StatusCode}
}

// Ready reports whether the bus has completed at least one probe cycle.
func (b *Bus) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// CircuitStatus is admin introspection for circuit_breaker_status().
type CircuitStatus struct {
	State     string
	OpenUntil time.Time
}

func (b *Bus) CircuitBreakerStatus() map[string]CircuitStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]CircuitStatus, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = CircuitStatus{State: cb.State().String()}
	}
	return out
}
