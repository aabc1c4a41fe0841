package referral

import (
	"github.com/smallbiznis/creditflow/internal/referral/repository"
	"github.com/smallbiznis/creditflow/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
