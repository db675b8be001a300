package quantize

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/graph"
)

// ISA is the instruction set the quantized kernels target.
type ISA string

const (
	ISAAVX2       ISA = "avx2"
	ISAAVX512     ISA = "avx512"
	ISAAVX512VNNI ISA = "avx512_vnni"
	ISAARM64      ISA = "arm64"
)

// ISAs lists the supported targets.
var ISAs = []ISA{ISAAVX2, ISAAVX512, ISAAVX512VNNI, ISAARM64}

// Calibration selects when activation ranges are computed.
type Calibration string

const (
	CalibrationDynamic Calibration = "dynamic"
	CalibrationStatic  Calibration = "static"
)

// Method is a static calibration method.
type Method string

const (
	MethodMinMax     Method = "minmax"
	MethodPercentile Method = "percentile"
)

// QuantizableOps are the operators the quantizer can rewrite.
var QuantizableOps = []string{graph.OpMatMul, graph.OpGemm, graph.OpFusedGemm, graph.OpGather}

var defaultOps = []string{graph.OpMatMul, graph.OpGemm, graph.OpFusedGemm}

// DefaultSamples is the calibration sample count static presets use.
const DefaultSamples = 100

const defaultPercentile = 99.99

// Config is a validated, immutable quantization configuration.
type Config struct {
	isa                ISA
	activationType     graph.DType
	perChannel         bool
	reduceRange        bool
	calibration        Calibration
	method             Method
	samples            int
	percentile         float64
	operators          []string
	requireHostSupport bool
}

// Option adjusts a Config under construction.
type Option func(*Config)

// WithActivationType sets the activation dtype (uint8 or int8).
func WithActivationType(t graph.DType) Option { return func(c *Config) { c.activationType = t } }

// WithPerChannel quantizes weights with one scale per output channel.
func WithPerChannel(on bool) Option { return func(c *Config) { c.perChannel = on } }

// WithReduceRange restricts weights to 7 bits.
func WithReduceRange(on bool) Option { return func(c *Config) { c.reduceRange = on } }

// WithStaticCalibration fixes activation ranges from samples calibration inputs.
func WithStaticCalibration(m Method, samples int) Option {
	return func(c *Config) {
		c.calibration = CalibrationStatic
		c.method = m
		c.samples = samples
	}
}

// WithPercentile sets the percentile used by MethodPercentile.
func WithPercentile(p float64) Option { return func(c *Config) { c.percentile = p } }

// WithCalibrationMethod sets the method without switching to static calibration.
func WithCalibrationMethod(m Method) Option { return func(c *Config) { c.method = m } }

// WithOperators replaces the operator allow list.
func WithOperators(ops ...string) Option {
	return func(c *Config) { c.operators = slices.Clone(ops) }
}

// WithEmbeddings adds embedding tables to the allow list.
func WithEmbeddings(on bool) Option {
	return func(c *Config) {
		has := slices.Contains(c.operators, graph.OpGather)
		switch {
		case on && !has:
			c.operators = append(c.operators, graph.OpGather)
		case !on && has:
			c.operators = slices.DeleteFunc(c.operators, func(op string) bool { return op == graph.OpGather })
		}
	}
}

// WithHostCheck fails quantization when the host CPU lacks the target ISA.
func WithHostCheck(on bool) Option { return func(c *Config) { c.requireHostSupport = on } }

// NewConfig builds a dynamic, per-tensor configuration for isa and applies
// opts. Unsupported combinations are rejected with ErrConfiguration.
func NewConfig(isa ISA, opts ...Option) (Config, error) {
	c := Config{
		isa:            isa,
		activationType: graph.Uint8,
		calibration:    CalibrationDynamic,
		percentile:     defaultPercentile,
		operators:      slices.Clone(defaultOps),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, errdefs.Wrap(errdefs.ErrConfiguration, "quantize config", err, "%s", isa)
	}
	return c, nil
}

func (c Config) validate() error {
	if !slices.Contains(ISAs, c.isa) {
		return fmt.Errorf("unknown instruction set %q", c.isa)
	}
	if c.activationType != graph.Uint8 && c.activationType != graph.Int8 {
		return fmt.Errorf("activations must be uint8 or int8, got %q", c.activationType)
	}
	if (c.isa == ISAAVX2 || c.isa == ISAAVX512) && c.activationType == graph.Uint8 && !c.reduceRange {
		return fmt.Errorf("%s with uint8 activations saturates without reduce_range", c.isa)
	}
	switch c.calibration {
	case CalibrationDynamic:
		if c.method != "" {
			return fmt.Errorf("calibration method %q needs static calibration", c.method)
		}
	case CalibrationStatic:
		if c.method != MethodMinMax && c.method != MethodPercentile {
			return fmt.Errorf("unknown calibration method %q", c.method)
		}
		if c.samples <= 0 {
			return fmt.Errorf("static calibration needs a positive sample count, got %d", c.samples)
		}
		if c.method == MethodPercentile && (c.percentile <= 50 || c.percentile > 100) {
			return fmt.Errorf("percentile must be in (50, 100], got %g", c.percentile)
		}
	default:
		return fmt.Errorf("unknown calibration %q", c.calibration)
	}
	if len(c.operators) == 0 {
		return fmt.Errorf("operator allow list is empty")
	}
	for _, op := range c.operators {
		if !slices.Contains(QuantizableOps, op) {
			return fmt.Errorf("operator %q cannot be quantized", op)
		}
	}
	return nil
}

// Preset returns the configuration commonly used for isa: arm64 and
// avx512_vnni run full-range uint8, avx2 and avx512 reduce weights to 7 bits.
// Static presets calibrate with minmax over the default sample count.
func Preset(isa ISA, static, perChannel bool, opts ...Option) (Config, error) {
	base := []Option{WithPerChannel(perChannel)}
	if isa == ISAAVX2 || isa == ISAAVX512 {
		base = append(base, WithReduceRange(true))
	}
	if static {
		base = append(base, WithStaticCalibration(MethodMinMax, DefaultSamples))
	}
	return NewConfig(isa, append(base, opts...)...)
}

func (c Config) ISA() ISA                    { return c.isa }
func (c Config) ActivationType() graph.DType { return c.activationType }
func (c Config) PerChannel() bool            { return c.perChannel }
func (c Config) ReduceRange() bool           { return c.reduceRange }
func (c Config) Calibration() Calibration    { return c.calibration }
func (c Config) Method() Method              { return c.method }
func (c Config) Samples() int                { return c.samples }
func (c Config) Percentile() float64         { return c.percentile }
func (c Config) Operators() []string         { return slices.Clone(c.operators) }
func (c Config) RequireHostSupport() bool    { return c.requireHostSupport }
func (c Config) Static() bool                { return c.calibration == CalibrationStatic }

func (c Config) quantizes(op string) bool {
	return slices.Contains(c.operators, op)
}

// weightQMax is the largest weight magnitude on the integer grid.
func (c Config) weightQMax() float32 {
	if c.reduceRange {
		return 63
	}
	return 127
}

// Settings renders the configuration for artifact metadata.
func (c Config) Settings() map[string]string {
	s := map[string]string{
		"isa":             string(c.isa),
		"activation_type": string(c.activationType),
		"weight_type":     string(graph.Int8),
		"per_channel":     strconv.FormatBool(c.perChannel),
		"reduce_range":    strconv.FormatBool(c.reduceRange),
		"calibration":     string(c.calibration),
		"operators":       strings.Join(c.operators, ","),
	}
	if c.Static() {
		s["calibration_method"] = string(c.method)
		s["calibration_samples"] = strconv.Itoa(c.samples)
		if c.method == MethodPercentile {
			s["percentile"] = strconv.FormatFloat(c.percentile, 'g', -1, 64)
		}
	}
	return s
}
