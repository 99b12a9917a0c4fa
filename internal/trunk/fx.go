package trunk

import "go.uber.org/fx"

var Module = fx.Module("trunk",
	fx.Provide(NewNotifier),
)
