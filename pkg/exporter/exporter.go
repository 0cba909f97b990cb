// Package exporter keeps the last observed power state of every
// inventory node and serves it over HTTP next to the Prometheus metrics.
package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/oobctl/pkg/config"
	"github.com/openfroyo/oobctl/pkg/driver"
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultParallel = 8
)

// Options tune the refresh loop.
type Options struct {
	// Interval between refreshes.
	Interval time.Duration

	// Parallel bounds concurrent get_power_state calls.
	Parallel int
}

// NodeStatus is the last observation of one node.
type NodeStatus struct {
	Node         string              `json:"node"`
	HardwareType string              `json:"hardware_type"`
	PowerState   hardware.PowerState `json:"power_state"`
	Error        string              `json:"error,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	ErrorCode    string              `json:"error_code,omitempty"`
	CheckedAt    time.Time           `json:"checked_at"`
}

// Exporter polls power state for an inventory.
type Exporter struct {
	tel    *telemetry.Telemetry
	opts   Options
	logger zerolog.Logger

	mu          sync.RWMutex
	inv         *config.Inventory
	drv         *driver.Driver
	status      map[string]NodeStatus
	lastRefresh time.Time
}

// New creates an exporter for inv, reading through drv.
func New(inv *config.Inventory, drv *driver.Driver, tel *telemetry.Telemetry, opts Options) *Exporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if tel == nil {
		tel = telemetry.Discard()
	}
	e := &Exporter{
		tel:    tel,
		opts:   opts,
		logger: *tel.Logger.NewComponentLogger("exporter").Zerolog(),
		status: make(map[string]NodeStatus),
	}
	e.SetInventory(inv, drv)
	return e
}

// SetInventory swaps the inventory and driver. Nodes that left the
// inventory are forgotten.
func (e *Exporter) SetInventory(inv *config.Inventory, drv *driver.Driver) {
	keep := make(map[string]bool, len(inv.Nodes))
	for _, id := range inv.Names() {
		keep[id] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inv = inv
	e.drv = drv
	for id := range e.status {
		if !keep[id] {
			delete(e.status, id)
			e.tel.Metrics.ForgetNode(id)
		}
	}
	e.tel.Metrics.SetInventoryNodes(len(inv.Nodes))
}

// Run refreshes immediately and then every Interval until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

// Refresh reads the power state of every node, at most Parallel at a
// time. Failures are recorded per node.
func (e *Exporter) Refresh(ctx context.Context) {
	e.mu.RLock()
	inv, drv := e.inv, e.drv
	e.mu.RUnlock()

	nodes := inv.HardwareNodes()
	results := make([]NodeStatus, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallel)
	for i, node := range nodes {
		g.Go(func() error {
			st := NodeStatus{Node: node.ID(), HardwareType: node.HardwareType}
			state, err := drv.GetPowerState(gctx, node)
			st.CheckedAt = time.Now()
			if err != nil {
				st.PowerState = hardware.PowerError
				st.Error = err.Error()
				st.ErrorKind = string(hardware.KindOf(err))
				if he, ok := hardware.AsError(err); ok {
					st.ErrorCode = he.Code
				}
			} else {
				st.PowerState = state
			}
			results[i] = st
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	e.record(results)
}

func (e *Exporter) record(results []NodeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := make(map[string]bool, len(e.inv.Nodes))
	for _, id := range e.inv.Names() {
		current[id] = true
	}

	failed, dropped := 0, 0
	for _, st := range results {
		if !current[st.Node] {
			// Removed by SetInventory while the read was in flight.
			e.tel.Metrics.ForgetNode(st.Node)
			dropped++
			continue
		}
		prev, seen := e.status[st.Node]
		e.status[st.Node] = st
		if st.Error != "" {
			failed++
			e.logger.Warn().
				Str("node", st.Node).
				Str("kind", st.ErrorKind).
				Msg(st.Error)
		}
		if seen && prev.PowerState != st.PowerState {
			e.tel.Events.PublishPowerStateChanged(st.Node, st.HardwareType,
				string(prev.PowerState), string(st.PowerState))
		}
	}
	e.lastRefresh = time.Now()

	e.logger.Debug().
		Int("nodes", len(results)-dropped).
		Int("failed", failed).
		Int("dropped", dropped).
		Msg("Power states refreshed")
}

// Nodes returns the last observations sorted by node.
func (e *Exporter) Nodes() []NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]NodeStatus, 0, len(e.status))
	for _, st := range e.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Node returns the last observation of id.
func (e *Exporter) Node(id string) (NodeStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.status[id]
	return st, ok
}

// Router serves /metrics, /healthz, /nodes and /nodes/{node}.
func (e *Exporter) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", e.tel.Metrics.Handler())
	r.Get("/healthz", e.handleHealth)
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", e.handleNodes)
		r.Get("/{node}", e.handleNode)
	})
	return r
}

func (e *Exporter) handleHealth(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	body := map[string]interface{}{
		"status": "ok",
		"nodes":  len(e.inv.Nodes),
	}
	if !e.lastRefresh.IsZero() {
		body["last_refresh"] = e.lastRefresh.UTC().Format(time.RFC3339)
	}
	e.mu.RUnlock()
	writeJSON(w, http.StatusOK, body)
}

func (e *Exporter) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Nodes())
}

func (e *Exporter) handleNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "node")
	st, ok := e.Node(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "node " + id + " has not been observed"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
