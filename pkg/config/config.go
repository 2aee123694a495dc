// Package config loads the two settings surfaces the data logger needs:
// process-level RuntimeSettings (YAML, ambient) and the tag Configuration
// that describes connections and their monitored tags (JSON, per the
// external wire format of the logger's own settings file).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeSettings holds process-level settings distinct from the tag
// configuration: logging, metrics, PKI location, and where to find the
// tag configuration file itself.
type RuntimeSettings struct {
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
	PKIRoot           string `yaml:"pki_root"`
	ConfigPath        string `yaml:"config_path"`
}

// DefaultRuntimeSettings returns the baseline settings applied before any
// file or environment override.
func DefaultRuntimeSettings() *RuntimeSettings {
	return &RuntimeSettings{
		LogLevel:          "info",
		LogFormat:         "console",
		MetricsListenAddr: ":9100",
		PKIRoot:           "./pki",
		ConfigPath:        "./datalogger.json",
	}
}

// LoadRuntimeSettings loads process settings from a YAML file, falling
// back to defaults if the file is absent. Environment variables, when set,
// take priority over both the file and the defaults.
func LoadRuntimeSettings(path string) (*RuntimeSettings, error) {
	settings := DefaultRuntimeSettings()

	if path == "" {
		path = "./datalogger.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(settings)
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime settings file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, settings); err != nil {
		return nil, fmt.Errorf("failed to parse runtime settings file: %w", err)
	}

	applyEnvOverrides(settings)
	return settings, nil
}

func applyEnvOverrides(settings *RuntimeSettings) {
	if v := os.Getenv("DATALOGGER_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("DATALOGGER_METRICS_ADDR"); v != "" {
		settings.MetricsListenAddr = v
	}
}

// Save writes the runtime settings back to a YAML file.
func (s *RuntimeSettings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write runtime settings file: %w", err)
	}
	return nil
}

// ConnectionType discriminates the two supported transports.
type ConnectionType string

const (
	ConnectionModbus ConnectionType = "modbus"
	ConnectionOpcUa  ConnectionType = "opcua"
)

// RegisterType is the Modbus addressing space a tag lives in.
type RegisterType string

const (
	HoldingRegister RegisterType = "holding_register"
	InputRegister   RegisterType = "input_register"
	Coil            RegisterType = "coil"
	DiscreteInput   RegisterType = "discrete_input"
)

// DataType mirrors decoder.DataType in the wire-config vocabulary, kept as
// a separate string enum here since the JSON config is an external contract
// independent of the decoder package's internal representation.
type DataType string

const (
	DataBool    DataType = "bool"
	DataInt16   DataType = "int16"
	DataUInt16  DataType = "uint16"
	DataInt32   DataType = "int32"
	DataUInt32  DataType = "uint32"
	DataFloat32 DataType = "float32"
)

// SecurityMode and SecurityPolicy enumerate the OPC-UA negotiation space.
type SecurityMode string

const (
	SecurityNone           SecurityMode = "None"
	SecuritySign           SecurityMode = "Sign"
	SecuritySignAndEncrypt SecurityMode = "SignAndEncrypt"
)

type SecurityPolicy string

const (
	PolicyNone               SecurityPolicy = "None"
	PolicyBasic256Sha256      SecurityPolicy = "Basic256Sha256"
	PolicyAes128Sha256RsaOaep SecurityPolicy = "Aes128_Sha256_RsaOaep"
	PolicyAes256Sha256RsaPss  SecurityPolicy = "Aes256_Sha256_RsaPss"
)

// UserAuth selects how the OPC-UA session authenticates.
type UserAuth struct {
	Anonymous bool   `json:"anonymous"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// AnalysisConfig controls per-tag alarming and outlier detection.
type AnalysisConfig struct {
	AlarmingEnabled    bool     `json:"alarming_enabled"`
	LowLow             *float64 `json:"low_low,omitempty"`
	Low                *float64 `json:"low,omitempty"`
	High               *float64 `json:"high,omitempty"`
	HighHigh           *float64 `json:"high_high,omitempty"`
	OutlierEnabled     bool     `json:"outlier_enabled"`
	BaselineSampleSize uint32   `json:"baseline_sample_size"`
	OutlierSigmaFactor float64  `json:"outlier_sigma_factor"`
	AlarmMessageFormat string   `json:"alarm_message_format"`
}

const (
	defaultBaselineSampleSize = 20
	minBaselineSampleSize     = 5
	defaultOutlierSigmaFactor = 3.0
)

// applyDefaults fills in zero-valued optional fields. Consistency is checked
// separately by Validate.
func (a *AnalysisConfig) applyDefaults() {
	if a.BaselineSampleSize == 0 {
		a.BaselineSampleSize = defaultBaselineSampleSize
	}
	if a.OutlierSigmaFactor == 0 {
		a.OutlierSigmaFactor = defaultOutlierSigmaFactor
	}
	if a.AlarmMessageFormat == "" {
		a.AlarmMessageFormat = "{TagName} {AlarmState} {Value}"
	}
}

// Validate checks the threshold ordering and baseline invariants.
func (a *AnalysisConfig) Validate() error {
	if a.OutlierEnabled && a.BaselineSampleSize < minBaselineSampleSize {
		return fmt.Errorf("%w: baseline_sample_size must be >= %d, got %d", ErrConfig, minBaselineSampleSize, a.BaselineSampleSize)
	}
	if a.OutlierEnabled && a.OutlierSigmaFactor <= 0 {
		return fmt.Errorf("%w: outlier_sigma_factor must be > 0, got %g", ErrConfig, a.OutlierSigmaFactor)
	}

	thresholds := []*float64{a.LowLow, a.Low, a.High, a.HighHigh}
	var prev *float64
	for _, t := range thresholds {
		if t == nil {
			continue
		}
		if prev != nil && *prev > *t {
			return fmt.Errorf("%w: thresholds must satisfy low_low <= low <= high <= high_high", ErrConfig)
		}
		prev = t
	}
	return nil
}

// ModbusTagConfig describes one monitored Modbus register.
type ModbusTagConfig struct {
	TagName      string       `json:"tag_name"`
	Address      uint16       `json:"address"`
	RegisterType RegisterType `json:"register_type"`
	DataType     DataType     `json:"data_type"`
	IsActive     bool         `json:"is_active"`
	Analysis     AnalysisConfig `json:"analysis"`
}

// Validate enforces the coil/discrete-input locked-to-Bool invariant and
// the nested AnalysisConfig invariants.
func (t *ModbusTagConfig) Validate() error {
	if t.RegisterType == Coil || t.RegisterType == DiscreteInput {
		t.DataType = DataBool
	}
	t.Analysis.applyDefaults()
	if err := t.Analysis.Validate(); err != nil {
		return fmt.Errorf("tag %q: %w", t.TagName, err)
	}
	return nil
}

// RegisterSpan returns how many consecutive registers this tag occupies.
func (t *ModbusTagConfig) RegisterSpan() uint16 {
	switch t.DataType {
	case DataInt32, DataUInt32, DataFloat32:
		return 2
	default:
		return 1
	}
}

// OpcUaTagConfig describes one monitored OPC-UA node.
type OpcUaTagConfig struct {
	TagName            string         `json:"tag_name"`
	NodeID             string         `json:"node_id"`
	SamplingIntervalMs uint32         `json:"sampling_interval_ms"`
	IsActive           bool           `json:"is_active"`
	Analysis           AnalysisConfig `json:"analysis"`
}

const minSamplingIntervalMs = 50

func (t *OpcUaTagConfig) Validate() error {
	if t.SamplingIntervalMs < minSamplingIntervalMs {
		return fmt.Errorf("%w: tag %q sampling_interval_ms must be >= %d, got %d", ErrConfig, t.TagName, minSamplingIntervalMs, t.SamplingIntervalMs)
	}
	t.Analysis.applyDefaults()
	if err := t.Analysis.Validate(); err != nil {
		return fmt.Errorf("tag %q: %w", t.TagName, err)
	}
	return nil
}

// ConnectionConfig is a tagged union over the two supported transports.
// Exactly one of Modbus/OpcUa is populated, selected by Type.
type ConnectionConfig struct {
	ConnectionName string         `json:"connection_name"`
	Type           ConnectionType `json:"type"`
	Enabled        bool           `json:"enabled"`

	// Modbus-only fields.
	Host           string            `json:"host,omitempty"`
	Port           uint16            `json:"port,omitempty"`
	UnitID         uint8             `json:"unit_id,omitempty"`
	ScanIntervalMs uint32            `json:"scan_interval_ms,omitempty"`
	ModbusTags     []ModbusTagConfig `json:"modbus_tags,omitempty"`

	// OPC-UA-only fields.
	EndpointURL string           `json:"endpoint_url,omitempty"`
	Security    *OpcUaSecurity   `json:"security,omitempty"`
	UserAuth    *UserAuth        `json:"user_auth,omitempty"`
	OpcUaTags   []OpcUaTagConfig `json:"opcua_tags,omitempty"`
}

// OpcUaSecurity pairs a security mode with a policy.
type OpcUaSecurity struct {
	Mode               SecurityMode   `json:"mode"`
	Policy             SecurityPolicy `json:"policy"`
	AutoAcceptUntrusted bool          `json:"auto_accept_untrusted"`
}

const defaultModbusPort = 502
const defaultModbusScanIntervalMs = 1000

// ErrConfig wraps every malformed-settings condition. ConfigError is fatal
// at load time and never at runtime (§7).
var ErrConfig = fmt.Errorf("config: invalid configuration")

// Validate checks a single connection entry's invariants and fills in
// Modbus defaults (port 502, 1s scan interval).
func (c *ConnectionConfig) Validate() error {
	if c.ConnectionName == "" {
		return fmt.Errorf("%w: connection_name is required", ErrConfig)
	}

	switch c.Type {
	case ConnectionModbus:
		if c.Port == 0 {
			c.Port = defaultModbusPort
		}
		if c.UnitID < 1 || c.UnitID > 247 {
			if c.UnitID == 0 {
				c.UnitID = 1
			} else {
				return fmt.Errorf("%w: connection %q unit_id must be in [1,247], got %d", ErrConfig, c.ConnectionName, c.UnitID)
			}
		}
		if c.ScanIntervalMs == 0 {
			c.ScanIntervalMs = defaultModbusScanIntervalMs
		}
		for i := range c.ModbusTags {
			if err := c.ModbusTags[i].Validate(); err != nil {
				return fmt.Errorf("connection %q: %w", c.ConnectionName, err)
			}
		}

	case ConnectionOpcUa:
		if c.EndpointURL == "" {
			return fmt.Errorf("%w: connection %q endpoint_url is required", ErrConfig, c.ConnectionName)
		}
		if c.Security == nil {
			c.Security = &OpcUaSecurity{Mode: SecurityNone, Policy: PolicyNone}
		}
		if c.UserAuth == nil {
			c.UserAuth = &UserAuth{Anonymous: true}
		}
		for i := range c.OpcUaTags {
			if err := c.OpcUaTags[i].Validate(); err != nil {
				return fmt.Errorf("connection %q: %w", c.ConnectionName, err)
			}
		}

	default:
		return fmt.Errorf("%w: connection %q has unknown type %q", ErrConfig, c.ConnectionName, c.Type)
	}

	return nil
}

// Configuration is the top-level tag-configuration document, persisted as
// JSON per the logger's external settings-file contract.
type Configuration struct {
	Connections    []ConnectionConfig `json:"connections"`
	OutputBaseDir  string             `json:"output_base_dir"`
}

// Validate checks every connection and applies defaults in place.
func (cfg *Configuration) Validate() error {
	if cfg.OutputBaseDir == "" {
		return fmt.Errorf("%w: output_base_dir is required", ErrConfig)
	}
	seen := make(map[string]bool, len(cfg.Connections))
	for i := range cfg.Connections {
		if err := cfg.Connections[i].Validate(); err != nil {
			return err
		}
		name := cfg.Connections[i].ConnectionName
		if seen[name] {
			return fmt.Errorf("%w: duplicate connection_name %q", ErrConfig, name)
		}
		seen[name] = true
	}
	return nil
}

// ScanInterval returns the configured Modbus scan cadence as a Duration.
func (c *ConnectionConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}
