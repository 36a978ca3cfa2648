// Package madara provides the Agent facade: the single entry point that
// wires a knowledge.Context, a transport.Runtime, a filters.Pipeline, a
// settings.Store, and a metrics.Registry together, resolving the
// "global singleton" design note as an explicit, constructible value
// instead of package-level state.
package madara

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/madara-run/madara/filters"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/metrics"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/transport"
)

// Agent is one MADARA peer: its knowledge base, its transport runtime,
// and everything needed to construct and drive them.
type Agent struct {
	Context  *knowledge.Context
	Runtime  *transport.Runtime
	Pipeline *filters.Pipeline
	Settings *settings.Store
	Metrics  *metrics.Registry
	log      *zap.Logger
}

// New constructs an Agent identified by agentID, bound to binding, with
// the given settings. The Pipeline starts empty; register filters via
// agent.Pipeline.Chain(op) before calling Start.
func New(agentID string, binding transport.Binding, s settings.Settings, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	store := settings.NewStore(s)
	ctx := knowledge.New(agentID)
	pipeline := filters.NewPipeline()
	reg := metrics.New()
	rt := transport.New(ctx, binding, store, pipeline, reg, log)
	return &Agent{Context: ctx, Runtime: rt, Pipeline: pipeline, Settings: store, Metrics: reg, log: log}
}

// Start transitions the underlying Runtime through Ready and into
// Running, launching its read threads.
func (a *Agent) Start() {
	a.Runtime.Ready()
	s := a.Settings.Snapshot()
	a.Runtime.Start(int(s.ReadThreads), s.ReadThreadHertz)
	a.log.Info("agent started", zap.String("agent_id", a.Context.AgentID()))
}

// Stop drains and terminates the Runtime, then stops the Context's
// change-notification dispatch loop, if one was ever started via
// a.Context.Subscribe.
func (a *Agent) Stop() {
	a.Runtime.Stop()
	a.Context.Close()
	a.log.Info("agent stopped", zap.String("agent_id", a.Context.AgentID()))
}

// Set is a convenience wrapper for a local write at write_quality,
// immediately followed by a send (unless delaySend is set, in which
// case the caller must call SendModifieds itself).
func (a *Agent) Set(name string, value knowledge.Record, writeQuality uint32, delaySend bool) {
	ref := a.Context.GetRef(name)
	settings := knowledge.DefaultUpdateSettings()
	settings.DelaySendingModifieds = delaySend
	a.Context.Set(ref, value, writeQuality, settings)
	if !delaySend {
		a.SendModifieds()
	}
}

// Get returns the current value of name.
func (a *Agent) Get(name string) knowledge.Record {
	return a.Context.Get(a.Context.GetRef(name))
}

// SendModifieds runs the send path over whatever the Context's
// modified set currently holds.
func (a *Agent) SendModifieds() {
	if err := a.Runtime.SendModifieds(context.Background()); err != nil {
		a.log.Warn("send_modifieds failed", zap.Error(err))
	}
}

// WaitForChange blocks until the knowledge base changes or maxWait
// elapses, returning false on timeout.
func (a *Agent) WaitForChange(maxWait time.Duration) bool {
	return a.Context.WaitForChange(true, maxWait)
}
