// Package modbus implements the Modbus/TCP connector: tag grouping into
// covering register ranges, MBAP framing, drift-resistant scan scheduling,
// and exponential-backoff reconnection.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/decoder"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	dialTimeout = 5 * time.Second
	ioTimeout   = 2 * time.Second
)

// Metrics is the narrow interface the connector reports scan and reconnect
// outcomes through; pkg/telemetry implements it over Prometheus collectors.
type Metrics interface {
	ObserveScan(connectionID string, duration time.Duration, ok bool)
	IncReconnect(connectionID string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveScan(string, time.Duration, bool) {}
func (noopMetrics) IncReconnect(string)                     {}

// SampleHandler receives every raw sample the connector produces, one tag
// at a time, for the pipeline to feed to the Analyzer and Sink.
type SampleHandler func(analysis.Sample)

// Connector owns one Modbus/TCP connection and the tags read over it.
type Connector struct {
	cfg     config.ConnectionConfig
	bus     *eventbus.Bus
	metrics Metrics
	logger  *reporting.Logger
	onSample SampleHandler

	mu   sync.Mutex
	conn net.Conn
	txID uint16
}

// NewConnector constructs a Connector for one Modbus connection entry.
// metrics may be nil, in which case scan/reconnect counters are discarded.
func NewConnector(cfg config.ConnectionConfig, bus *eventbus.Bus, metrics Metrics, logger *reporting.Logger, onSample SampleHandler) *Connector {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Connector{cfg: cfg, bus: bus, metrics: metrics, logger: logger, onSample: onSample}
}

// Run connects and scans on the configured cadence until ctx is cancelled.
// It reconnects with exponential backoff on any connection-level failure
// and returns nil only when ctx is done.
func (c *Connector) Run(ctx context.Context) error {
	ranges := groupTagRanges(c.cfg.ModbusTags)
	backoff := minBackoff

	for {
		c.publishState(eventbus.StateConnecting)
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("modbus connect failed", "connection", c.cfg.ConnectionName, "error", err.Error())
			c.publishState(eventbus.StateReconnecting)
			c.metrics.IncReconnect(c.cfg.ConnectionName)
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		c.publishState(eventbus.StateRunning)

		err := c.scanLoop(ctx, ranges)
		c.disconnect()
		if err == nil {
			c.publishState(eventbus.StateStopped)
			return nil
		}

		c.logger.Warn("modbus connection lost", "connection", c.cfg.ConnectionName, "error", err.Error())
		c.publishState(eventbus.StateReconnecting)
		c.metrics.IncReconnect(c.cfg.ConnectionName)
		if !sleepOrDone(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connector) publishState(state eventbus.ConnectionState) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Kind: eventbus.ConnectionStateChanged, ConnectionID: c.cfg.ConnectionName, State: state})
}

func (c *Connector) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Connector) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// scanLoop reads every tag range on a drift-resistant cadence until ctx is
// cancelled or a connection-level I/O error occurs.
func (c *Connector) scanLoop(ctx context.Context, ranges []tagRange) error {
	interval := c.cfg.ScanInterval()
	if interval <= 0 {
		interval = time.Second
	}

	next := time.Now()
	for {
		start := time.Now()
		if err := c.scanOnce(ranges); err != nil {
			if isConnError(err) {
				return err
			}
			// Range-scoped errors (exceptions, decode failures) were
			// already surfaced per-tag inside scanOnce; keep scanning.
		}
		c.metrics.ObserveScan(c.cfg.ConnectionName, time.Since(start), true)

		next = next.Add(interval)
		delay := time.Until(next)
		if delay < 0 {
			c.logger.Warn("modbus scan cycle overran its interval, skipping tick", "connection", c.cfg.ConnectionName, "interval", interval.String())
			for delay < 0 {
				next = next.Add(interval)
				delay = time.Until(next)
			}
		}
		if !sleepOrDone(ctx, delay) {
			return nil
		}
	}
}

// scanOnce reads every range once, decodes each tag, and invokes onSample.
// A range-level error (an exception response or a malformed reply) marks
// every tag in that range bad-quality without aborting the other ranges.
// A connection-level error (EOF, closed connection, or any net.Error,
// including a read/write timeout) is returned instead, for the caller to
// reconnect on.
func (c *Connector) scanOnce(ranges []tagRange) error {
	for _, r := range ranges {
		values, err := c.readRange(r)
		if err != nil && isConnError(err) {
			return err
		}
		now := time.Now().UTC()
		for _, t := range r.tags {
			if err != nil {
				c.emitBad(t, now, err)
				continue
			}
			c.emitGood(r, t, values, now)
		}
	}
	return nil
}

func (c *Connector) emitBad(t config.ModbusTagConfig, ts time.Time, err error) {
	sample := analysis.Sample{
		ConnectionID:  c.cfg.ConnectionName,
		TagName:       t.TagName,
		Timestamp:     ts,
		IsGoodQuality: false,
		ErrorMessage:  errorMessage(err),
	}
	if c.onSample != nil {
		c.onSample(sample)
	}
}

func (c *Connector) emitGood(r tagRange, t config.ModbusTagConfig, raw rangeResult, ts time.Time) {
	var value decoder.Value
	var err error

	switch r.kind {
	case ReadCoils, ReadDiscreteInputs:
		idx := int(t.Address - r.startAddr)
		if idx < 0 || idx >= len(raw.bits) {
			err = fmt.Errorf("modbus: tag %q address out of range", t.TagName)
		} else {
			value = decoder.BoolValue(raw.bits[idx])
		}
	default:
		offset := int(t.Address - r.startAddr)
		span := int(t.RegisterSpan())
		if offset < 0 || offset+span > len(raw.registers) {
			err = fmt.Errorf("modbus: tag %q address out of range", t.TagName)
		} else {
			value, err = decoder.Decode(raw.registers[offset:offset+span], decoderDataType(t.DataType))
		}
	}

	sample := analysis.Sample{
		ConnectionID:  c.cfg.ConnectionName,
		TagName:       t.TagName,
		Timestamp:     ts,
		IsGoodQuality: err == nil,
	}
	if err != nil {
		sample.ErrorMessage = err.Error()
	} else {
		sample.Value = value
	}
	if c.onSample != nil {
		c.onSample(sample)
	}
}

func decoderDataType(dt config.DataType) decoder.DataType {
	switch dt {
	case config.DataBool:
		return decoder.Bool
	case config.DataInt16:
		return decoder.Int16
	case config.DataUInt16:
		return decoder.UInt16
	case config.DataInt32:
		return decoder.Int32
	case config.DataUInt32:
		return decoder.UInt32
	case config.DataFloat32:
		return decoder.Float32
	default:
		return decoder.UInt16
	}
}

func errorMessage(err error) string {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return ExceptionName(exc.Code)
	}
	return err.Error()
}

// rangeResult holds the decoded payload of one range read, as either
// registers or bits depending on the range's function code.
type rangeResult struct {
	registers []uint16
	bits      []bool
}

// readRange performs one request/response round trip for a tag range.
func (c *Connector) readRange(r tagRange) (rangeResult, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return rangeResult{}, errClosedConnection
	}

	c.txID++
	adu := buildADU(c.txID, c.cfg.UnitID, r.kind, r.startAddr, r.quantity)

	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if _, err := conn.Write(adu); err != nil {
		return rangeResult{}, err
	}

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	var header [7]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return rangeResult{}, err
	}
	_, _, pduLen := readADUHeader(header)
	if pduLen <= 0 || pduLen > 260 {
		return rangeResult{}, fmt.Errorf("modbus: implausible PDU length %d", pduLen)
	}
	pdu := make([]byte, pduLen)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		return rangeResult{}, err
	}

	data, err := parsePDU(pdu)
	if err != nil {
		return rangeResult{}, err
	}

	switch r.kind {
	case ReadCoils, ReadDiscreteInputs:
		return rangeResult{bits: bitsFromBytes(data, int(r.quantity))}, nil
	default:
		return rangeResult{registers: registersFromBytes(data)}, nil
	}
}

var errClosedConnection = errors.New("modbus: connection closed")

// isConnError reports whether err indicates the TCP connection itself is
// unusable (as opposed to a protocol-level exception response, which is
// range-scoped and doesn't warrant a reconnect).
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return false
	}
	if errors.Is(err, errClosedConnection) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// tagRange is a minimal covering request range for a group of tags sharing
// a register type.
type tagRange struct {
	kind      FunctionCode
	startAddr uint16
	quantity  uint16
	tags      []config.ModbusTagConfig
}

// groupTagRanges partitions active tags by register type, sorts each group
// by address, and greedily merges adjacent tags into the fewest ranges that
// respect the per-function-code quantity limit.
func groupTagRanges(tags []config.ModbusTagConfig) []tagRange {
	byType := make(map[config.RegisterType][]config.ModbusTagConfig)
	for _, t := range tags {
		if !t.IsActive {
			continue
		}
		byType[t.RegisterType] = append(byType[t.RegisterType], t)
	}

	var ranges []tagRange
	for rt, group := range byType {
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		fn := functionCodeFor(rt)
		limit := uint16(maxRegistersPerRequest)
		if fn == ReadCoils || fn == ReadDiscreteInputs {
			limit = uint16(maxBitsPerRequest)
		}

		var cur *tagRange
		for _, t := range group {
			span := t.RegisterSpan()
			if fn == ReadCoils || fn == ReadDiscreteInputs {
				span = 1
			}
			end := t.Address + span

			if cur != nil && end-cur.startAddr <= limit {
				if end > cur.startAddr+cur.quantity {
					cur.quantity = end - cur.startAddr
				}
				cur.tags = append(cur.tags, t)
				continue
			}

			if cur != nil {
				ranges = append(ranges, *cur)
			}
			cur = &tagRange{kind: fn, startAddr: t.Address, quantity: span, tags: []config.ModbusTagConfig{t}}
		}
		if cur != nil {
			ranges = append(ranges, *cur)
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].startAddr < ranges[j].startAddr })
	return ranges
}

func functionCodeFor(rt config.RegisterType) FunctionCode {
	switch rt {
	case config.Coil:
		return ReadCoils
	case config.DiscreteInput:
		return ReadDiscreteInputs
	case config.InputRegister:
		return ReadInputRegisters
	default:
		return ReadHoldingRegisters
	}
}
