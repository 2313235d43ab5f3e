// Package health runs the daemon's probes and serves their outcome as
// liveness, readiness and detailed health endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the outcome of a probe, or of the daemon as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is what one probe reported on its last run.
type Result struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
	Duration time.Duration  `json:"duration_ns"`
}

// Func inspects one part of the daemon.
type Func func(ctx context.Context) Result

// Probe is a named Func. A Critical probe that fails makes the daemon
// unhealthy; other failures only degrade it.
type Probe struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Run      Func
}

const defaultTimeout = 5 * time.Second

// Checker owns the registered probes and their latest results.
type Checker struct {
	mu      sync.RWMutex
	probes  []*Probe
	results map[string]Result

	ready   atomic.Bool
	started time.Time
	now     func() time.Time
}

func NewChecker() *Checker {
	return &Checker{
		results: make(map[string]Result),
		started: time.Now(),
		now:     time.Now,
	}
}

// Register adds p, replacing any probe with the same name. Until it has
// run, p reports StatusUnknown.
func (c *Checker) Register(p *Probe) {
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, old := range c.probes {
		if old.Name == p.Name {
			c.probes[i] = p
			c.results[p.Name] = Result{Status: StatusUnknown}
			return
		}
	}
	c.probes = append(c.probes, p)
	c.results[p.Name] = Result{Status: StatusUnknown}
}

func (c *Checker) RegisterFunc(name string, critical bool, fn Func) {
	c.Register(&Probe{Name: name, Critical: critical, Run: fn})
}

func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

func (c *Checker) IsReady() bool { return c.ready.Load() }

// Check runs every probe in parallel, records the results and returns them.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	probes := append([]*Probe(nil), c.probes...)
	c.mu.RUnlock()

	out := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = c.probe(ctx, p)
		}()
	}
	wg.Wait()

	results := make(map[string]Result, len(probes))
	c.mu.Lock()
	for i, p := range probes {
		results[p.Name] = out[i]
		if _, ok := c.results[p.Name]; ok {
			c.results[p.Name] = out[i]
		}
	}
	c.mu.Unlock()
	return results
}

// probe runs p under its timeout. A panic or an expired timeout is an
// unhealthy result; a probe that ignores its context is abandoned.
func (c *Checker) probe(ctx context.Context, p *Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := c.now()
	ch := make(chan Result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(v)}
			}
		}()
		ch <- p.Run(ctx)
	}()

	var r Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	r.At = start
	r.Duration = c.now().Sub(start)
	return r
}

// OverallStatus folds the latest results. Non-critical probes that have
// not run yet are ignored.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, p := range c.probes {
		switch c.results[p.Name].Status {
		case StatusUnhealthy:
			if p.Critical {
				return StatusUnhealthy
			}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusUnknown:
			if p.Critical {
				overall = StatusUnknown
			}
		}
	}
	return overall
}

// Response is the body of the detailed health endpoint.
type Response struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs the probes and summarizes them, with per-probe results
// when detailed is set.
func (c *Checker) Report(ctx context.Context, detailed bool) Response {
	results := c.Check(ctx)
	resp := Response{
		Status:    c.OverallStatus(),
		Ready:     c.IsReady(),
		Uptime:    c.now().Sub(c.started).Truncate(time.Second).String(),
		Timestamp: c.now(),
	}
	if detailed {
		resp.Components = results
	}
	return resp
}

func reply(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

type brief struct {
	Status    any       `json:"status"`
	Ready     *bool     `json:"ready,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, brief{Status: "alive", Timestamp: c.now()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) and while a critical
// probe fails.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			reply(w, http.StatusServiceUnavailable, brief{Status: "not ready", Timestamp: c.now()})
			return
		}
		c.Check(r.Context())
		st := c.OverallStatus()
		code := http.StatusOK
		if st == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		ready := true
		reply(w, code, brief{Status: st, Ready: &ready, Timestamp: c.now()})
	})
}

// HealthHandler serves Report; ?full=true includes every probe.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		reply(w, code, resp)
	})
}

// StorageCheck fails when usage cannot be read and degrades once usage
// passes threshold percent of a known quota.
func StorageCheck(usage func(ctx context.Context) (used, quota int64, err error), threshold float64) Func {
	return func(ctx context.Context) Result {
		used, quota, err := usage(ctx)
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "storage unavailable", Error: err.Error()}
		}
		r := Result{
			Status:  StatusHealthy,
			Message: "storage ok",
			Details: map[string]any{"used": used, "quota": quota},
		}
		if quota <= 0 {
			return r
		}
		pct := float64(used) * 100 / float64(quota)
		r.Details["percent"] = pct
		if pct > threshold {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("storage %.0f%% full", pct)
		}
		return r
	}
}

// DocumentsCheck reports how many documents are open. It never fails.
func DocumentsCheck(count func() int) Func {
	return func(context.Context) Result {
		return Result{Status: StatusHealthy, Details: map[string]any{"open": count()}}
	}
}
