package notify

import "go.uber.org/fx"

var Module = fx.Module("notify",
	fx.Provide(
		NewDiscordPoster,
		func(p *DiscordPoster) Poster { return p },
		NewCredentialResolver,
		NewDispatcher,
	),
)
