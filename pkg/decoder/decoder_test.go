package decoder_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jihwankim/plant-datalogger/pkg/decoder"
)

func splitBE32(bits uint32) []uint16 {
	return []uint16{uint16(bits >> 16), uint16(bits)}
}

func TestDecodeRoundTripUInt32(t *testing.T) {
	cases := []uint32{0, 1, 0xFFFFFFFF, 0x12345678, 0x89ABCDEF}
	for _, v := range cases {
		val, err := decoder.Decode(splitBE32(v), decoder.UInt32)
		require.NoError(t, err)
		got, ok := val.AsFloat64()
		require.True(t, ok)
		require.Equal(t, float64(v), got)
	}
}

func TestDecodeRoundTripInt32(t *testing.T) {
	cases := []int32{0, 1, -1, math.MinInt32, math.MaxInt32}
	for _, v := range cases {
		val, err := decoder.Decode(splitBE32(uint32(v)), decoder.Int32)
		require.NoError(t, err)
		got, ok := val.AsFloat64()
		require.True(t, ok)
		require.Equal(t, float64(v), got)
	}
}

func TestDecodeRoundTripFloat32(t *testing.T) {
	cases := []float32{0, 1, -1, 3.14159, 1e30, -1e-30}
	for _, v := range cases {
		val, err := decoder.Decode(splitBE32(math.Float32bits(v)), decoder.Float32)
		require.NoError(t, err)
		got, ok := val.AsFloat64()
		require.True(t, ok)
		require.Equal(t, float64(v), got)
	}
}

func TestDecodeFloat32NaNBitEquality(t *testing.T) {
	nan := float32(math.NaN())
	val, err := decoder.Decode(splitBE32(math.Float32bits(nan)), decoder.Float32)
	require.NoError(t, err)
	got, ok := val.AsFloat64()
	require.True(t, ok)
	require.True(t, math.IsNaN(got))
}

func TestDecodeErrors(t *testing.T) {
	_, err := decoder.Decode(nil, decoder.UInt16)
	require.ErrorIs(t, err, decoder.ErrNullInput)

	_, err = decoder.Decode([]uint16{}, decoder.UInt16)
	require.ErrorIs(t, err, decoder.ErrEmptyInput)

	_, err = decoder.Decode([]uint16{1}, decoder.Int32)
	var insufficient *decoder.InsufficientRegistersError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, 2, insufficient.Need)
	require.Equal(t, 1, insufficient.Got)
}

func TestDecodeUnsupportedTypeFallsBackToUInt16(t *testing.T) {
	val, err := decoder.Decode([]uint16{0x00FF}, decoder.DataType("weird"))
	require.ErrorIs(t, err, decoder.ErrUnsupportedType)
	got, ok := val.AsFloat64()
	require.True(t, ok)
	require.Equal(t, float64(0x00FF), got)
}

func TestDecodeLiteralScenarios(t *testing.T) {
	// Scenario 1: Int32 big-endian decode.
	v, err := decoder.Decode([]uint16{0x1234, 0x5678}, decoder.Int32)
	require.NoError(t, err)
	f, _ := v.AsFloat64()
	require.Equal(t, float64(0x12345678), f)

	// Scenario 2: signed negative.
	v, err = decoder.Decode([]uint16{0xFFFF, 0xFFFF}, decoder.Int32)
	require.NoError(t, err)
	f, _ = v.AsFloat64()
	require.Equal(t, float64(-1), f)

	// Scenario 3: Float32.
	v, err = decoder.Decode([]uint16{0x3F80, 0x0000}, decoder.Float32)
	require.NoError(t, err)
	f, _ = v.AsFloat64()
	require.Equal(t, 1.0, f)
}

func TestDecodeBool(t *testing.T) {
	v, err := decoder.Decode([]uint16{0}, decoder.Bool)
	require.NoError(t, err)
	b, ok := v.AsBool()
	require.True(t, ok)
	require.False(t, b)

	v, err = decoder.Decode([]uint16{1}, decoder.Bool)
	require.NoError(t, err)
	b, ok = v.AsBool()
	require.True(t, ok)
	require.True(t, b)
}

func TestFloat64ValueConstructorAndAccessor(t *testing.T) {
	v := decoder.Float64Value(2.718281828459045)
	require.Equal(t, decoder.KindF64, v.Kind)
	f, ok := v.AsFloat64()
	require.True(t, ok)
	require.Equal(t, 2.718281828459045, f)
	_, ok = v.AsBool()
	require.False(t, ok)
	_, ok = v.AsString()
	require.False(t, ok)
}

func TestStringValueConstructorAndAccessor(t *testing.T) {
	v := decoder.StringValue("running")
	require.Equal(t, decoder.KindString, v.Kind)
	s, ok := v.AsString()
	require.True(t, ok)
	require.Equal(t, "running", s)
	_, ok = v.AsFloat64()
	require.False(t, ok)
	require.Equal(t, "running", v.String())
}

func TestRegisterCount(t *testing.T) {
	require.Equal(t, 1, decoder.RegisterCount(decoder.Bool))
	require.Equal(t, 1, decoder.RegisterCount(decoder.UInt16))
	require.Equal(t, 1, decoder.RegisterCount(decoder.Int16))
	require.Equal(t, 2, decoder.RegisterCount(decoder.UInt32))
	require.Equal(t, 2, decoder.RegisterCount(decoder.Int32))
	require.Equal(t, 2, decoder.RegisterCount(decoder.Float32))
}
