package config

import "go.uber.org/fx"

// Module wires process and tuning configuration. Both the value and the
// pointer form are provided; clients that only read take the value.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(c Config) *Config { return &c }),
	fx.Provide(NewTuningHolder),
)
