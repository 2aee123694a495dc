// Package analysis implements the per-tag streaming statistics and alarm
// state machine that turns raw samples into annotated samples.
package analysis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/decoder"
)

// AlarmState is the classification attached to every observed sample.
type AlarmState int

const (
	Normal AlarmState = iota
	Low
	LowLow
	High
	HighHigh
	Outlier
	Error
)

func (s AlarmState) String() string {
	switch s {
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	case LowLow:
		return "LowLow"
	case High:
		return "High"
	case HighHigh:
		return "HighHigh"
	case Outlier:
		return "Outlier"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// outlierEpsilon is the minimum stddev below which outlier classification
// is skipped, to avoid dividing near-constant signals into spurious outliers.
const outlierEpsilon = 1e-9

// Sample is a raw reading from a Connector, not yet annotated.
type Sample struct {
	ConnectionID    string
	TagName         string
	Timestamp       time.Time
	Value           decoder.Value
	IsGoodQuality   bool
	ErrorMessage    string
}

// AnnotatedSample is a Sample enriched with alarm state and statistics,
// ready for the Sink.
type AnnotatedSample struct {
	Sample
	AlarmState         AlarmState
	PreviousAlarmState AlarmState
	Mean               float64
	StdDev             float64
	AlarmMessage       string
}

// TagRuntimeState is the Analyzer's exclusively-owned per-tag state. It is
// never shared across connections and is reset whenever outlier detection
// or the baseline size changes.
type TagRuntimeState struct {
	analysis config.AnalysisConfig

	buffer             []float64
	bufferHead         int
	count              uint32
	sum                float64
	sumOfSquares       float64
	mean               float64
	stddev             float64
	baselineEstablished bool

	currentState AlarmState
}

// NewTagRuntimeState constructs per-tag state from its AnalysisConfig.
func NewTagRuntimeState(cfg config.AnalysisConfig) *TagRuntimeState {
	s := &TagRuntimeState{analysis: cfg, currentState: Normal}
	s.reset()
	return s
}

// reset clears all statistics bookkeeping. Called on construction and
// whenever outlier_enabled or baseline_sample_size changes.
func (s *TagRuntimeState) reset() {
	capacity := s.analysis.BaselineSampleSize
	if capacity == 0 {
		capacity = 1
	}
	s.buffer = make([]float64, 0, capacity)
	s.bufferHead = 0
	s.count = 0
	s.sum = 0
	s.sumOfSquares = 0
	s.mean = 0
	s.stddev = 0
	s.baselineEstablished = false
}

// Reconfigure applies a new AnalysisConfig, resetting the baseline if
// outlier_enabled or baseline_sample_size changed.
func (s *TagRuntimeState) Reconfigure(cfg config.AnalysisConfig) {
	mustReset := cfg.OutlierEnabled != s.analysis.OutlierEnabled ||
		cfg.BaselineSampleSize != s.analysis.BaselineSampleSize
	s.analysis = cfg
	if mustReset {
		s.reset()
	}
}

// pushBaseline adds a value to the bounded buffer, evicting the oldest
// value once full, and keeps sum/sum_of_squares as exact running totals.
func (s *TagRuntimeState) pushBaseline(v float64) {
	capacity := int(s.analysis.BaselineSampleSize)
	if len(s.buffer) < capacity {
		s.buffer = append(s.buffer, v)
		s.sum += v
		s.sumOfSquares += v * v
		s.count++
	} else {
		oldest := s.buffer[s.bufferHead]
		s.sum += v - oldest
		s.sumOfSquares += v*v - oldest*oldest
		s.buffer[s.bufferHead] = v
		s.bufferHead = (s.bufferHead + 1) % capacity
	}

	s.mean = s.sum / float64(s.count)
	variance := s.sumOfSquares/float64(s.count) - s.mean*s.mean
	if variance < 0 {
		variance = 0
	}
	s.stddev = math.Sqrt(variance)

	if s.count == s.analysis.BaselineSampleSize {
		s.baselineEstablished = true
	}
}

// Analyzer converts raw Samples into AnnotatedSamples, owning a
// TagRuntimeState per tag.
type Analyzer struct {
	tags map[string]*TagRuntimeState
}

// NewAnalyzer builds an analyzer over the given tag-name -> AnalysisConfig
// set, one TagRuntimeState per tag.
func NewAnalyzer(tagConfigs map[string]config.AnalysisConfig) *Analyzer {
	tags := make(map[string]*TagRuntimeState, len(tagConfigs))
	for name, cfg := range tagConfigs {
		tags[name] = NewTagRuntimeState(cfg)
	}
	return &Analyzer{tags: tags}
}

// State returns the runtime state for a tag, for tests and introspection.
func (a *Analyzer) State(tagName string) (*TagRuntimeState, bool) {
	s, ok := a.tags[tagName]
	return s, ok
}

// Mean returns the current baseline mean.
func (s *TagRuntimeState) Mean() float64 { return s.mean }

// StdDev returns the current baseline standard deviation.
func (s *TagRuntimeState) StdDev() float64 { return s.stddev }

// Count returns the number of samples currently in the baseline buffer.
func (s *TagRuntimeState) Count() uint32 { return s.count }

// BaselineEstablished reports whether the buffer has reached its configured
// capacity at least once.
func (s *TagRuntimeState) BaselineEstablished() bool { return s.baselineEstablished }

// Observe classifies one raw sample against its tag's thresholds and
// streaming baseline, mutating only that tag's TagRuntimeState.
func (a *Analyzer) Observe(sample Sample) AnnotatedSample {
	annotated := AnnotatedSample{Sample: sample}

	state, ok := a.tags[sample.TagName]
	if !ok {
		state = NewTagRuntimeState(config.AnalysisConfig{})
		a.tags[sample.TagName] = state
	}
	annotated.PreviousAlarmState = state.currentState

	if !sample.IsGoodQuality {
		state.currentState = Error
		annotated.AlarmState = Error
		annotated.Mean = state.mean
		annotated.StdDev = state.stddev
		annotated.AlarmMessage = renderMessage(state.analysis.AlarmMessageFormat, sample.TagName, Error, sample.Value)
		return annotated
	}

	numeric, isNumeric := sample.Value.AsFloat64()
	if !isNumeric {
		_, isBool := sample.Value.AsBool()
		_, isString := sample.Value.AsString()
		if !isBool && !isString {
			// Non-numeric, non-boolean, non-string good-quality value
			// (i.e. Null): treat as a coercion failure per the
			// AnalysisError policy.
			state.currentState = Error
			annotated.IsGoodQuality = false
			annotated.AlarmState = Error
			annotated.ErrorMessage = "value is not numeric"
			annotated.Mean = state.mean
			annotated.StdDev = state.stddev
			annotated.AlarmMessage = renderMessage(state.analysis.AlarmMessageFormat, sample.TagName, Error, sample.Value)
			return annotated
		}
	}

	resultState := Normal
	if state.analysis.AlarmingEnabled && isNumeric {
		resultState = evaluateThresholds(numeric, state.analysis)
	}

	if state.analysis.OutlierEnabled && isNumeric {
		// Classify against the baseline as it stood *before* this sample,
		// then fold the sample into the baseline for subsequent ones — an
		// outlier is judged against history, not against a window that
		// already includes it.
		wasEstablished := state.baselineEstablished
		priorMean, priorStdDev := state.mean, state.stddev

		state.pushBaseline(numeric)

		if wasEstablished && priorStdDev > outlierEpsilon {
			deviation := math.Abs(numeric - priorMean)
			if deviation > state.analysis.OutlierSigmaFactor*priorStdDev {
				resultState = Outlier
			}
		}
	}

	state.currentState = resultState

	annotated.AlarmState = resultState
	annotated.Mean = state.mean
	annotated.StdDev = state.stddev
	if resultState != Normal {
		annotated.AlarmMessage = renderMessage(state.analysis.AlarmMessageFormat, sample.TagName, resultState, sample.Value)
	}

	return annotated
}

// evaluateThresholds picks the highest-priority matching band:
// HighHigh > LowLow > High > Low > Normal.
func evaluateThresholds(value float64, cfg config.AnalysisConfig) AlarmState {
	if cfg.HighHigh != nil && value >= *cfg.HighHigh {
		return HighHigh
	}
	if cfg.LowLow != nil && value <= *cfg.LowLow {
		return LowLow
	}
	if cfg.High != nil && value >= *cfg.High {
		return High
	}
	if cfg.Low != nil && value <= *cfg.Low {
		return Low
	}
	return Normal
}

// renderMessage expands {TagName} {AlarmState} {Value} placeholders.
func renderMessage(format, tagName string, state AlarmState, value decoder.Value) string {
	if format == "" {
		format = "{TagName} {AlarmState} {Value}"
	}
	r := strings.NewReplacer(
		"{TagName}", tagName,
		"{AlarmState}", state.String(),
		"{Value}", valueString(value),
	)
	return r.Replace(format)
}

func valueString(v decoder.Value) string {
	if f, ok := v.AsFloat64(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if b, ok := v.AsBool(); ok {
		return fmt.Sprintf("%t", b)
	}
	return v.String()
}
