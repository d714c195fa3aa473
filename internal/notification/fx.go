package notification

import "go.uber.org/fx"

var Module = fx.Module("notification.service",
	fx.Provide(NewUserRepository),
	fx.Provide(NewService),
	fx.Provide(asDispatcher),
)
