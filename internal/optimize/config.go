package optimize

import (
	"fmt"
	"strconv"

	"github.com/silmaril/quench/internal/errdefs"
)

// Level selects the default set of passes.
type Level int

const (
	LevelDisabled Level = 0
	LevelBasic    Level = 1
	LevelExtended Level = 2
	LevelAll      Level = 99
)

// ParseLevel accepts the numeric levels or their names.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "0", "disabled":
		return LevelDisabled, nil
	case "1", "basic":
		return LevelBasic, nil
	case "2", "extended":
		return LevelExtended, nil
	case "99", "all":
		return LevelAll, nil
	}
	return 0, errdefs.New(errdefs.ErrConfiguration, "optimize config", "unknown optimization level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelBasic:
		return "basic"
	case LevelExtended:
		return "extended"
	case LevelAll:
		return "all"
	}
	return strconv.Itoa(int(l))
}

const (
	defaultTolerance     = 1e-4
	defaultFP16Tolerance = 5e-2
	DefaultProbes        = 64
)

// Config is a validated, immutable optimization configuration.
type Config struct {
	level               Level
	identityElimination bool
	constantFolding     bool
	deadNodeElimination bool
	gemmFusion          bool
	activationFusion    bool
	fp16                bool
	optimizeForGPU      bool
	verify              bool
	tolerance           float64
	probes              int
}

// Option overrides a pass toggle or verification setting.
type Option func(*Config)

func WithIdentityElimination(on bool) Option { return func(c *Config) { c.identityElimination = on } }
func WithConstantFolding(on bool) Option     { return func(c *Config) { c.constantFolding = on } }
func WithDeadNodeElimination(on bool) Option { return func(c *Config) { c.deadNodeElimination = on } }
func WithGemmFusion(on bool) Option          { return func(c *Config) { c.gemmFusion = on } }
func WithActivationFusion(on bool) Option    { return func(c *Config) { c.activationFusion = on } }
func WithFP16(on bool) Option                { return func(c *Config) { c.fp16 = on } }
func WithOptimizeForGPU(on bool) Option      { return func(c *Config) { c.optimizeForGPU = on } }

// WithVerification checks the optimized graph against the input on probes
// random inputs. A tolerance of 0 selects the default for the precision.
func WithVerification(tolerance float64, probes int) Option {
	return func(c *Config) {
		c.verify = true
		c.tolerance = tolerance
		c.probes = probes
	}
}

// WithoutVerification skips the equivalence check.
func WithoutVerification() Option { return func(c *Config) { c.verify = false } }

// NewConfig builds a configuration for level and applies opts. Combinations
// that cannot run are rejected here rather than during optimization.
func NewConfig(level Level, opts ...Option) (Config, error) {
	c := Config{level: level, verify: true, probes: DefaultProbes}
	switch level {
	case LevelDisabled:
	case LevelBasic:
		c.identityElimination, c.constantFolding, c.deadNodeElimination = true, true, true
	case LevelExtended, LevelAll:
		c.identityElimination, c.constantFolding, c.deadNodeElimination = true, true, true
		c.gemmFusion, c.activationFusion = true, true
	default:
		return Config{}, errdefs.New(errdefs.ErrConfiguration, "optimize config", "unknown optimization level %d", level)
	}
	for _, opt := range opts {
		opt(&c)
	}

	fail := func(format string, args ...any) (Config, error) {
		return Config{}, errdefs.New(errdefs.ErrConfiguration, "optimize config", format, args...)
	}
	if (c.gemmFusion || c.activationFusion) && level < LevelExtended {
		return fail("operator fusion requires level %d or higher, got %d", LevelExtended, level)
	}
	if c.activationFusion && !c.gemmFusion {
		return fail("activation fusion requires gemm fusion")
	}
	if c.fp16 && !c.optimizeForGPU {
		return fail("fp16 conversion requires optimize_for_gpu")
	}
	if c.verify {
		if c.tolerance < 0 {
			return fail("verification tolerance must not be negative, got %g", c.tolerance)
		}
		if c.probes <= 0 {
			return fail("verification needs at least one probe, got %d", c.probes)
		}
		if c.tolerance == 0 {
			c.tolerance = defaultTolerance
			if c.fp16 {
				c.tolerance = defaultFP16Tolerance
			}
		}
	}
	return c, nil
}

func (c Config) Level() Level              { return c.level }
func (c Config) FP16() bool                { return c.fp16 }
func (c Config) Verify() bool              { return c.verify }
func (c Config) Tolerance() float64        { return c.tolerance }
func (c Config) Probes() int               { return c.probes }
func (c Config) OptimizeForGPU() bool      { return c.optimizeForGPU }
func (c Config) IdentityElimination() bool { return c.identityElimination }
func (c Config) ConstantFolding() bool     { return c.constantFolding }
func (c Config) DeadNodeElimination() bool { return c.deadNodeElimination }
func (c Config) GemmFusion() bool          { return c.gemmFusion }
func (c Config) ActivationFusion() bool    { return c.activationFusion }

// Settings renders the configuration for artifact metadata.
func (c Config) Settings() map[string]string {
	return map[string]string{
		"optimization_level":    strconv.Itoa(int(c.level)),
		"identity_elimination":  strconv.FormatBool(c.identityElimination),
		"constant_folding":      strconv.FormatBool(c.constantFolding),
		"dead_node_elimination": strconv.FormatBool(c.deadNodeElimination),
		"gemm_fusion":           strconv.FormatBool(c.gemmFusion),
		"activation_fusion":     strconv.FormatBool(c.activationFusion),
		"fp16":                  strconv.FormatBool(c.fp16),
		"optimize_for_gpu":      strconv.FormatBool(c.optimizeForGPU),
	}
}

func (c Config) String() string {
	return fmt.Sprintf("level=%d fusion=%t fp16=%t verify=%t", c.level, c.gemmFusion, c.fp16, c.verify)
}
