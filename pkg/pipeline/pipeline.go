// Package pipeline owns the running set of connection tasks: it starts one
// acquisition goroutine per enabled connection, wires each sample through
// the tag analyzer into the sink, and republishes state and alarm events on
// the shared event bus. Its state-machine shape and audited cleanup are
// adapted from the teacher's test-execution orchestrator and cleanup
// coordinator, applied to a long-running per-connection lifecycle instead
// of a one-shot test run.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/modbus"
	"github.com/jihwankim/plant-datalogger/pkg/opcua"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
	"github.com/jihwankim/plant-datalogger/pkg/sink"
	"github.com/jihwankim/plant-datalogger/pkg/telemetry"
)

// ConnectionState is a connection task's externally-visible lifecycle state.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Running
	Stopping
	Stopped
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	case Errored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

const drainTimeout = 5 * time.Second

// connector is the common contract both transport connectors satisfy.
type connector interface {
	Run(ctx context.Context) error
}

// task tracks one running connection: its connector, sink, analyzer, and
// current lifecycle state.
type task struct {
	id         string
	analyzer   *analysis.Analyzer
	sink       *sink.Sink
	connRunner connector
	ctx        context.Context
	cancel     context.CancelFunc

	mu    sync.Mutex
	state ConnectionState
}

func (t *task) transition(to ConnectionState, logger *reporting.Logger) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()
	logger.Info("connection state transition", "connection", t.id, "from", from.String(), "to", to.String())
}

func (t *task) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pipeline owns every connection task for the lifetime of one process run.
type Pipeline struct {
	cfg     *config.Configuration
	pkiRoot string
	bus     *eventbus.Bus
	metrics *telemetry.Collectors
	logger  *reporting.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Pipeline from a validated Configuration. pkiRoot is the
// OPC-UA certificate store root (RuntimeSettings.PKIRoot).
func New(cfg *config.Configuration, pkiRoot string, bus *eventbus.Bus, metrics *telemetry.Collectors, logger *reporting.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, pkiRoot: pkiRoot, bus: bus, metrics: metrics, logger: logger, tasks: make(map[string]*task)}
}

// Run starts one task per enabled connection and blocks until ctx is
// cancelled, then drains every task with a bounded timeout before
// returning.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := range p.cfg.Connections {
		conn := p.cfg.Connections[i]
		if !conn.Enabled {
			p.logger.Info("connection disabled, skipping", "connection", conn.ConnectionName)
			continue
		}
		t, err := p.startTask(ctx, conn)
		if err != nil {
			p.logger.Error("failed to start connection", "connection", conn.ConnectionName, "error", err.Error())
			continue
		}
		p.mu.Lock()
		p.tasks[conn.ConnectionName] = t
		p.mu.Unlock()

		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			p.runTask(t)
		}(t)
	}

	<-ctx.Done()
	p.shutdown(&wg)
	return nil
}

// startTask builds the per-connection analyzer, sink, and connector. It
// starts the sink's writer goroutine but does not start the connector.
func (p *Pipeline) startTask(ctx context.Context, conn config.ConnectionConfig) (*task, error) {
	taskCtx, cancel := context.WithCancel(ctx)

	s, err := sink.New(p.cfg.OutputBaseDir, conn.ConnectionName, p.bus, p.metrics.ForSink(), p.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	go s.Run()

	tagConfigs := analysisConfigsFor(conn)
	analyzer := analysis.NewAnalyzer(tagConfigs)

	t := &task{id: conn.ConnectionName, analyzer: analyzer, sink: s, ctx: taskCtx, cancel: cancel, state: Idle}

	onSample := func(raw analysis.Sample) {
		annotated := analyzer.Observe(raw)
		p.publishSample(conn.ConnectionName, annotated)
		s.Enqueue(annotated)
	}

	var c connector
	switch conn.Type {
	case config.ConnectionModbus:
		c = modbus.NewConnector(conn, p.bus, p.metrics.ForTransport("modbus"), p.logger, onSample)
	case config.ConnectionOpcUa:
		c = opcua.NewConnector(conn, p.pkiRoot, p.bus, p.metrics.ForTransport("opcua"), p.logger, onSample)
	default:
		cancel()
		return nil, fmt.Errorf("pipeline: connection %q has unknown type %q", conn.ConnectionName, conn.Type)
	}

	t.connRunner = c
	return t, nil
}

func (p *Pipeline) publishSample(connectionID string, sample analysis.AnnotatedSample) {
	p.metrics.ObserveAlarmState(connectionID, sample.TagName, sample.AlarmState.String())

	from, to := sample.PreviousAlarmState, sample.AlarmState
	if to != from {
		p.logger.Warn("alarm state transition",
			"connection_id", connectionID,
			"tag_name", sample.TagName,
			"from_state", from.String(),
			"to_state", to.String(),
		)
		p.bus.Publish(eventbus.Event{
			Kind:         eventbus.AlarmRaised,
			ConnectionID: connectionID,
			TagName:      sample.TagName,
			AlarmState:   to,
			FromState:    from,
			ToState:      to,
			Value:        sample.Value.String(),
			AlarmMessage: sample.AlarmMessage,
		})
	}
	p.bus.Publish(eventbus.Event{
		Kind:         eventbus.SamplesReceived,
		ConnectionID: connectionID,
		Samples:      []analysis.AnnotatedSample{sample},
	})
}

// runTask runs one connector to completion (which for a healthy connection
// means until its context is cancelled), recovering from any panic so one
// misbehaving connection never brings down the others.
func (p *Pipeline) runTask(t *task) {
	defer p.recoverTask(t)

	t.transition(Connecting, p.logger)
	t.transition(Running, p.logger)

	if err := t.connRunner.Run(t.ctx); err != nil {
		t.transition(Errored, p.logger)
		p.logger.Error("connection task ended with error", "connection", t.id, "error", err.Error())
		return
	}
	t.transition(Stopped, p.logger)
}

func (p *Pipeline) recoverTask(t *task) {
	if r := recover(); r != nil {
		t.transition(Errored, p.logger)
		p.logger.Error("connection task panicked", "connection", t.id, "panic", fmt.Sprintf("%v", r))
	}
}

// shutdown cancels every task and waits up to drainTimeout for them (and
// their sinks) to finish, logging an audited summary of what was released.
func (p *Pipeline) shutdown(wg *sync.WaitGroup) {
	p.mu.Lock()
	tasks := make([]*task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.transition(Stopping, p.logger)
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("all connections drained cleanly")
	case <-time.After(drainTimeout):
		p.logger.Warn("drain timeout exceeded, forcing shutdown", "timeout", drainTimeout.String())
	}

	for _, t := range tasks {
		t.sink.Close()
		p.logger.Info("released connection resources", "connection", t.id)
	}
}

// analysisConfigsFor flattens a connection's tags (of either transport)
// into the tag-name -> AnalysisConfig map the Analyzer needs.
func analysisConfigsFor(conn config.ConnectionConfig) map[string]config.AnalysisConfig {
	out := make(map[string]config.AnalysisConfig)
	for _, t := range conn.ModbusTags {
		out[t.TagName] = t.Analysis
	}
	for _, t := range conn.OpcUaTags {
		out[t.TagName] = t.Analysis
	}
	return out
}
