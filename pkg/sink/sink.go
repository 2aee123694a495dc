// Package sink persists annotated samples to per-connection, daily-rotated
// CSV files under a base output directory, the way the teacher's report
// storage persists JSON bundles to a managed directory — adapted here to
// an always-appending, never-overwriting log instead of replace-on-save
// reports.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
)

const (
	queueCapacity = 10000
	csvHeader     = "timestamp_utc,tag_name,value,is_good_quality,alarm_state,error_message"
)

// Metrics is the narrow telemetry surface the sink reports dropped-sample
// counts through.
type Metrics interface {
	IncDropped(connectionName string)
}

type noopMetrics struct{}

func (noopMetrics) IncDropped(string) {}

// Sink is one connection's append-only CSV writer with daily UTC rotation.
// Enqueue is safe to call from the connector's goroutine; the sink owns a
// single writer goroutine started by Run.
type Sink struct {
	connectionName string
	dir            string
	bus            *eventbus.Bus
	metrics        Metrics
	logger         *reporting.Logger

	queue   chan analysis.AnnotatedSample
	dropped atomic.Uint64

	mu          sync.Mutex
	file        *os.File
	writer      *csv.Writer
	currentDate string
}

// New constructs a Sink for one connection. The output directory
// <outputBaseDir>/LoggedData/<sanitized connection name>/ is created
// eagerly so configuration errors surface at startup, not first write.
func New(outputBaseDir, connectionName string, bus *eventbus.Bus, metrics Metrics, logger *reporting.Logger) (*Sink, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	dir := filepath.Join(outputBaseDir, "LoggedData", sanitizeName(connectionName))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sink: creating output directory for %q: %w", connectionName, err)
	}
	return &Sink{
		connectionName: connectionName,
		dir:            dir,
		bus:            bus,
		metrics:        metrics,
		logger:         logger,
		queue:          make(chan analysis.AnnotatedSample, queueCapacity),
	}, nil
}

// sanitizeName replaces every character outside [A-Za-z0-9_-] with '_'.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Enqueue submits a sample for persistence. If the queue is full, the
// oldest queued sample is dropped to make room (drop-oldest back-pressure),
// dropped_samples is incremented, and a Warning event is published.
func (s *Sink) Enqueue(sample analysis.AnnotatedSample) {
	select {
	case s.queue <- sample:
		return
	default:
	}

	select {
	case <-s.queue:
	default:
	}

	select {
	case s.queue <- sample:
	default:
	}

	s.dropped.Add(1)
	s.metrics.IncDropped(s.connectionName)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Kind:         eventbus.Warning,
			ConnectionID: s.connectionName,
			Source:       "sink",
			Message:      "sample queue full; oldest sample dropped",
		})
	}
}

// DroppedCount returns the number of samples dropped for overflow so far.
func (s *Sink) DroppedCount() uint64 { return s.dropped.Load() }

// Run drains the queue until it is closed via Close, writing one CSV row
// per sample and flushing after every batch drained in a single wake-up.
func (s *Sink) Run() {
	for sample := range s.queue {
		s.writeRow(sample)
		s.drainBufferedAndFlush()
	}
	s.closeFile()
}

// drainBufferedAndFlush opportunistically drains any samples already
// queued without blocking, then flushes once, batching writes between
// flushes under load.
func (s *Sink) drainBufferedAndFlush() {
	for {
		select {
		case sample, ok := <-s.queue:
			if !ok {
				s.flush()
				return
			}
			s.writeRow(sample)
		default:
			s.flush()
			return
		}
	}
}

// Close signals the writer goroutine to stop after draining the queue.
// Callers must not call Enqueue after Close.
func (s *Sink) Close() {
	close(s.queue)
}

func (s *Sink) writeRow(sample analysis.AnnotatedSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := sample.Timestamp.UTC().Format("2006-01-02")
	if date != s.currentDate {
		if err := s.rotate(date); err != nil {
			s.logger.Error("sink: rotation failed", "connection", s.connectionName, "error", err.Error())
			return
		}
	}

	row := []string{
		sample.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		sample.TagName,
		valueField(sample),
		strconv.FormatBool(sample.IsGoodQuality),
		sample.AlarmState.String(),
		sample.ErrorMessage,
	}
	if err := s.writer.Write(row); err != nil {
		s.logger.Error("sink: write failed", "connection", s.connectionName, "error", err.Error())
	}
}

func valueField(sample analysis.AnnotatedSample) string {
	if !sample.IsGoodQuality {
		return ""
	}
	if f, ok := sample.Value.AsFloat64(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if b, ok := sample.Value.AsBool(); ok {
		return strconv.FormatBool(b)
	}
	return sample.Value.String()
}

// rotate closes the current file (if any) and opens/creates today's file,
// writing the header only when the file is newly created.
func (s *Sink) rotate(date string) error {
	s.closeFileLocked()

	path := filepath.Join(s.dir, date+".csv")
	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}

	s.file = f
	s.writer = csv.NewWriter(f)
	s.currentDate = date

	if needsHeader {
		if _, err := f.WriteString(csvHeader + "\n"); err != nil {
			return fmt.Errorf("writing header to %q: %w", path, err)
		}
	}
	return nil
}

func (s *Sink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
}

func (s *Sink) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFileLocked()
}

func (s *Sink) closeFileLocked() {
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = nil
	s.writer = nil
}
