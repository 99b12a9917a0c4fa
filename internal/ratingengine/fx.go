package ratingengine

import "go.uber.org/fx"

var Module = fx.Module("ratingengine",
	fx.Provide(NewClient),
)
