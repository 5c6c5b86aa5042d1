package reconcile

import (
	"go.uber.org/fx"

	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/internal/platform/yookassa"
)

// Module provides the Engine with the remnawave and yookassa clients as its collaborators.
var Module = fx.Options(
	fx.Provide(
		func(c *remnawave.Client) Directory { return c },
		func(c *yookassa.Client) Gateway { return c },
		NewEngine,
	),
)
