package gateway

import (
	"github.com/smallbiznis/creditflow/internal/gateway/adapters"
	"github.com/smallbiznis/creditflow/internal/gateway/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway.service",
	fx.Provide(adapters.NewConfiguredRegistry),
	fx.Provide(service.NewService),
)
