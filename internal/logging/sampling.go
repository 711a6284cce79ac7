package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore splits core by level. Error and above pass through
// unsampled; each lower level with a budget in cfg.Levels gets its own sampler
// so a burst of debug entries cannot starve info.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{&levelCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}}
	for _, lvl := range []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel} {
		only := &levelCore{Core: core, min: lvl, max: lvl}
		budget, ok := cfg.Levels[lvl]
		if !ok || budget.Initial <= 0 {
			cores = append(cores, only)
			continue
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), budget.Initial, budget.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelCore admits entries with min <= level <= max.
type levelCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
