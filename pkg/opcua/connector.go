// Package opcua implements the OPC-UA connector: certificate-backed session
// bootstrap, endpoint/security negotiation, a single subscription per
// connection with one monitored item per tag, and keep-alive-triggered
// reconnection.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/decoder"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
)

const (
	sessionTimeout     = 60 * time.Second
	keepAliveInterval  = 5 * time.Second
	monitoredQueueSize = 1

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// ErrNoMatchingEndpoint is returned when the server's discovered endpoints
// contain none matching the configured security mode/policy pair.
var ErrNoMatchingEndpoint = errors.New("opcua: no endpoint matches configured security mode/policy")

// Metrics mirrors pkg/modbus.Metrics so both connectors report through the
// same telemetry surface.
type Metrics interface {
	ObserveScan(connectionID string, duration time.Duration, ok bool)
	IncReconnect(connectionID string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveScan(string, time.Duration, bool) {}
func (noopMetrics) IncReconnect(string)                     {}

// SampleHandler receives every raw sample the connector produces.
type SampleHandler func(analysis.Sample)

// Connector owns one OPC-UA session and its subscription.
type Connector struct {
	cfg      config.ConnectionConfig
	pkiRoot  string
	bus      *eventbus.Bus
	metrics  Metrics
	logger   *reporting.Logger
	onSample SampleHandler

	clientHandleByTag map[uint32]string
}

// NewConnector constructs a Connector for one OPC-UA connection entry.
// pkiRoot is the directory holding the own/trusted/issuers/rejected
// certificate store (RuntimeSettings.PKIRoot).
func NewConnector(cfg config.ConnectionConfig, pkiRoot string, bus *eventbus.Bus, metrics Metrics, logger *reporting.Logger, onSample SampleHandler) *Connector {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Connector{cfg: cfg, pkiRoot: pkiRoot, bus: bus, metrics: metrics, logger: logger, onSample: onSample}
}

// Run negotiates a session, subscribes to every active tag, and blocks
// until ctx is cancelled, reconnecting with exponential backoff whenever
// the session drops.
func (c *Connector) Run(ctx context.Context) error {
	backoff := minBackoff

	for {
		c.publishState(eventbus.StateConnecting)
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.publishState(eventbus.StateStopped)
			return nil
		}
		if err != nil {
			c.logger.Warn("opcua session ended", "connection", c.cfg.ConnectionName, "error", err.Error())
		}

		c.publishState(eventbus.StateReconnecting)
		c.metrics.IncReconnect(c.cfg.ConnectionName)
		if !sleepOrDone(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
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

// runSession performs one connect-subscribe-consume cycle and returns when
// the session ends, either from a keep-alive/transport failure (non-nil
// error) or clean cancellation (nil, with ctx.Err() set).
func (c *Connector) runSession(ctx context.Context) error {
	sec := c.cfg.Security
	if sec == nil {
		sec = &config.OpcUaSecurity{Mode: config.SecurityNone, Policy: config.PolicyNone}
	}

	if sec.AutoAcceptUntrusted && c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind:         eventbus.Warning,
			ConnectionID: c.cfg.ConnectionName,
			Source:       "opcua",
			Message:      "auto_accept_untrusted is enabled; server certificates are not validated against the PKI trust store",
		})
	}

	paths, err := ensurePKI(c.pkiRoot, "urn:plant-datalogger:client")
	if err != nil {
		return err
	}

	endpoints, err := opcua.GetEndpoints(ctx, c.cfg.EndpointURL)
	if err != nil {
		return fmt.Errorf("opcua: discovering endpoints: %w", err)
	}
	ep := selectEndpoint(endpoints, string(sec.Policy), string(sec.Mode))
	if ep == nil {
		return ErrNoMatchingEndpoint
	}

	opts := []opcua.Option{
		opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeAnonymous),
		opcua.CertificateFile(paths.certFile),
		opcua.PrivateKeyFile(paths.keyFile),
		opcua.SessionTimeout(sessionTimeout),
		opcua.KeepAliveInterval(keepAliveInterval),
	}
	if c.cfg.UserAuth != nil && !c.cfg.UserAuth.Anonymous {
		opts = append(opts, opcua.AuthUsername(c.cfg.UserAuth.Username, c.cfg.UserAuth.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(ep.EndpointURL, opts...)
	if err != nil {
		return fmt.Errorf("opcua: building client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua: connecting: %w", err)
	}
	defer client.Close(ctx)

	activeTags := activeOpcUaTags(c.cfg.OpcUaTags)
	if len(activeTags) == 0 {
		c.publishState(eventbus.StateRunning)
		<-ctx.Done()
		return nil
	}

	publishInterval := minSamplingInterval(activeTags)
	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: publishInterval}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua: creating subscription: %w", err)
	}
	defer sub.Cancel(ctx)

	c.clientHandleByTag = make(map[uint32]string, len(activeTags))
	var reqs []*ua.MonitoredItemCreateRequest
	for i, tag := range activeTags {
		nodeID, err := ua.ParseNodeID(tag.NodeID)
		if err != nil {
			c.logger.Warn("opcua: invalid node id, skipping tag", "connection", c.cfg.ConnectionName, "tag", tag.TagName, "node_id", tag.NodeID)
			continue
		}
		handle := uint32(i + 1)
		c.clientHandleByTag[handle] = tag.TagName

		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		req.RequestedParameters.SamplingInterval = float64(tag.SamplingIntervalMs)
		req.RequestedParameters.QueueSize = monitoredQueueSize
		req.RequestedParameters.DiscardOldest = true
		reqs = append(reqs, req)
	}

	if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...); err != nil {
		return fmt.Errorf("opcua: creating monitored items: %w", err)
	}

	c.publishState(eventbus.StateRunning)

	for {
		select {
		case <-ctx.Done():
			return nil
		case notif, ok := <-notifyCh:
			if !ok {
				return fmt.Errorf("opcua: subscription channel closed")
			}
			if notif.Error != nil {
				return notif.Error
			}
			c.handleNotification(notif)
		}
	}
}

func (c *Connector) handleNotification(notif *opcua.PublishNotificationData) {
	start := time.Now()
	change, ok := notif.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	now := time.Now().UTC()
	for _, item := range change.MonitoredItems {
		tagName, ok := c.clientHandleByTag[item.ClientHandle]
		if !ok {
			continue
		}
		c.emit(tagName, item.Value, now)
	}
	c.metrics.ObserveScan(c.cfg.ConnectionName, time.Since(start), true)
}

func (c *Connector) emit(tagName string, dv *ua.DataValue, ts time.Time) {
	sample := analysis.Sample{ConnectionID: c.cfg.ConnectionName, TagName: tagName, Timestamp: ts}

	if dv == nil || dv.Status != ua.StatusOK {
		sample.IsGoodQuality = false
		if dv != nil {
			sample.ErrorMessage = dv.Status.Error()
		} else {
			sample.ErrorMessage = "no data value"
		}
		if c.onSample != nil {
			c.onSample(sample)
		}
		return
	}

	value, ok := toDecoderValue(dv.Value)
	if !ok {
		sample.IsGoodQuality = false
		sample.ErrorMessage = "NullValue"
	} else {
		sample.IsGoodQuality = true
		sample.Value = value
	}
	if c.onSample != nil {
		c.onSample(sample)
	}
}

// toDecoderValue converts a gopcua ua.Variant payload into the shared
// decoder.Value tagged union used by the analyzer and sink.
func toDecoderValue(v *ua.Variant) (decoder.Value, bool) {
	if v == nil {
		return decoder.NullValue(), false
	}
	switch x := v.Value().(type) {
	case bool:
		return decoder.BoolValue(x), true
	case int16:
		return decoder.Int16Value(x), true
	case uint16:
		return decoder.UInt16Value(x), true
	case int32:
		return decoder.Int32Value(x), true
	case uint32:
		return decoder.UInt32Value(x), true
	case float32:
		return decoder.Float32Value(x), true
	case float64:
		return decoder.Float64Value(x), true
	case string:
		return decoder.StringValue(x), true
	default:
		return decoder.NullValue(), false
	}
}

func activeOpcUaTags(tags []config.OpcUaTagConfig) []config.OpcUaTagConfig {
	var active []config.OpcUaTagConfig
	for _, t := range tags {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active
}

func minSamplingInterval(tags []config.OpcUaTagConfig) float64 {
	min := uint32(0)
	for _, t := range tags {
		if min == 0 || t.SamplingIntervalMs < min {
			min = t.SamplingIntervalMs
		}
	}
	if min == 0 {
		min = 1000
	}
	return float64(min)
}

func selectEndpoint(endpoints []*ua.EndpointDescription, policy, mode string) *ua.EndpointDescription {
	for _, e := range endpoints {
		if policyMatches(e.SecurityPolicyURI, policy) && modeMatches(e.SecurityMode, mode) {
			return e
		}
	}
	return nil
}

func policyMatches(uri, policy string) bool {
	if policy == "" || policy == string(config.PolicyNone) {
		return true
	}
	return strings.Contains(strings.ToLower(uri), strings.ToLower(policy))
}

func modeMatches(m ua.MessageSecurityMode, mode string) bool {
	switch mode {
	case string(config.SecuritySign):
		return m == ua.MessageSecurityModeSign
	case string(config.SecuritySignAndEncrypt):
		return m == ua.MessageSecurityModeSignAndEncrypt
	default:
		return m == ua.MessageSecurityModeNone || mode == ""
	}
}
