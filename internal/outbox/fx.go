package outbox

import "go.uber.org/fx"

// Module provides the outbox repository. Writers only need this.
var Module = fx.Module("outbox",
	fx.Provide(NewRepository),
)

// WorkerModule adds the dispatch worker; a Dispatcher must be provided.
var WorkerModule = fx.Module("outbox.worker",
	fx.Provide(ConfigFrom),
	fx.Provide(NewWorker),
)
