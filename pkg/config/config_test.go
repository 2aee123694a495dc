package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jihwankim/plant-datalogger/pkg/config"
)

func floatPtr(f float64) *float64 { return &f }

func TestCoilAndDiscreteInputAreLockedToBool(t *testing.T) {
	coil := config.ModbusTagConfig{TagName: "valve_open", RegisterType: config.Coil, DataType: config.DataFloat32}
	require.NoError(t, coil.Validate())
	require.Equal(t, config.DataBool, coil.DataType, "coil data_type must be forced to bool regardless of what was configured")

	discrete := config.ModbusTagConfig{TagName: "limit_switch", RegisterType: config.DiscreteInput, DataType: config.DataUInt16}
	require.NoError(t, discrete.Validate())
	require.Equal(t, config.DataBool, discrete.DataType, "discrete_input data_type must be forced to bool regardless of what was configured")

	holding := config.ModbusTagConfig{TagName: "pressure", RegisterType: config.HoldingRegister, DataType: config.DataFloat32}
	require.NoError(t, holding.Validate())
	require.Equal(t, config.DataFloat32, holding.DataType, "non-bit register types must not be coerced")
}

func TestThresholdOrderingInvariant(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.AnalysisConfig
		wantErr bool
	}{
		{
			name:    "ascending thresholds are valid",
			cfg:     config.AnalysisConfig{LowLow: floatPtr(0), Low: floatPtr(10), High: floatPtr(90), HighHigh: floatPtr(100)},
			wantErr: false,
		},
		{
			name:    "equal adjacent thresholds are valid",
			cfg:     config.AnalysisConfig{Low: floatPtr(50), High: floatPtr(50)},
			wantErr: false,
		},
		{
			name:    "high below low is invalid",
			cfg:     config.AnalysisConfig{Low: floatPtr(50), High: floatPtr(10)},
			wantErr: true,
		},
		{
			name:    "high_high below high is invalid",
			cfg:     config.AnalysisConfig{High: floatPtr(90), HighHigh: floatPtr(80)},
			wantErr: true,
		},
		{
			name:    "sparse thresholds (only low_low and high_high set) are valid",
			cfg:     config.AnalysisConfig{LowLow: floatPtr(-10), HighHigh: floatPtr(200)},
			wantErr: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, config.ErrConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOutlierBaselineMinimumInvariant(t *testing.T) {
	tooSmall := config.AnalysisConfig{OutlierEnabled: true, BaselineSampleSize: 2}
	err := tooSmall.Validate()
	require.ErrorIs(t, err, config.ErrConfig)

	disabled := config.AnalysisConfig{OutlierEnabled: false, BaselineSampleSize: 2}
	require.NoError(t, disabled.Validate(), "baseline minimum only applies when outlier detection is enabled")

	atMinimum := config.AnalysisConfig{OutlierEnabled: true, BaselineSampleSize: 5}
	require.NoError(t, atMinimum.Validate())

	zeroSigma := config.AnalysisConfig{OutlierEnabled: true, BaselineSampleSize: 20, OutlierSigmaFactor: -1}
	require.ErrorIs(t, zeroSigma.Validate(), config.ErrConfig)
}

func TestModbusTagValidateAppliesAnalysisDefaults(t *testing.T) {
	tag := config.ModbusTagConfig{TagName: "flow", RegisterType: config.HoldingRegister, DataType: config.DataFloat32}
	require.NoError(t, tag.Validate())
	require.NotZero(t, tag.Analysis.BaselineSampleSize)
	require.NotZero(t, tag.Analysis.OutlierSigmaFactor)
	require.NotEmpty(t, tag.Analysis.AlarmMessageFormat)
}

func TestOpcUaTagValidateRejectsTooFastSampling(t *testing.T) {
	tag := config.OpcUaTagConfig{TagName: "speed", SamplingIntervalMs: 10}
	require.ErrorIs(t, tag.Validate(), config.ErrConfig)

	tag.SamplingIntervalMs = 100
	require.NoError(t, tag.Validate())
}

func TestConnectionConfigValidateAppliesModbusDefaultsAndRejectsDuplicateNames(t *testing.T) {
	cfg := &config.Configuration{
		OutputBaseDir: "./data",
		Connections: []config.ConnectionConfig{
			{ConnectionName: "line-1", Type: config.ConnectionModbus, Enabled: true, Host: "10.0.0.1"},
			{ConnectionName: "line-1", Type: config.ConnectionModbus, Enabled: true, Host: "10.0.0.2"},
		},
	}
	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrConfig)
	require.Contains(t, err.Error(), "duplicate connection_name")
	require.EqualValues(t, 502, cfg.Connections[0].Port)
	require.EqualValues(t, 1000, cfg.Connections[0].ScanIntervalMs)
}

func TestConnectionConfigValidateFillsModbusDefaults(t *testing.T) {
	conn := config.ConnectionConfig{ConnectionName: "line-1", Type: config.ConnectionModbus, Host: "10.0.0.1"}
	require.NoError(t, conn.Validate())
	require.EqualValues(t, 502, conn.Port)
	require.EqualValues(t, 1, conn.UnitID)
	require.EqualValues(t, 1000, conn.ScanIntervalMs)
}

func TestConnectionConfigValidateRejectsMissingEndpointForOpcUa(t *testing.T) {
	conn := config.ConnectionConfig{ConnectionName: "line-2", Type: config.ConnectionOpcUa}
	err := conn.Validate()
	require.ErrorIs(t, err, config.ErrConfig)
}

func TestConnectionConfigValidateFillsOpcUaSecurityAndAuthDefaults(t *testing.T) {
	conn := config.ConnectionConfig{ConnectionName: "line-2", Type: config.ConnectionOpcUa, EndpointURL: "opc.tcp://plc:4840"}
	require.NoError(t, conn.Validate())
	require.NotNil(t, conn.Security)
	require.Equal(t, config.SecurityNone, conn.Security.Mode)
	require.NotNil(t, conn.UserAuth)
	require.True(t, conn.UserAuth.Anonymous)
}
