package modules

import (
	"go.uber.org/fx"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/email"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/facebook"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/instagram"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/whatsappcloud"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/whatsappgw"
)

var ChannelModule = fx.Module(
	"channel",
	fx.Provide(
		provideChannelRegistry,
	),
)

func provideChannelRegistry() *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(whatsappcloud.New(""))
	registry.MustRegister(whatsappgw.New())
	registry.MustRegister(instagram.New(""))
	registry.MustRegister(facebook.New(""))
	registry.MustRegister(email.New())
	return registry
}
