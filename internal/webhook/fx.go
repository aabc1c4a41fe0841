package webhook

import (
	"github.com/smallbiznis/creditflow/internal/webhook/repository"
	"github.com/smallbiznis/creditflow/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(service.NewRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
