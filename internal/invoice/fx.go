package invoice

import (
	"github.com/smallbiznis/coachpay/internal/invoice/repository"
	"github.com/smallbiznis/coachpay/internal/invoice/service"
	"github.com/smallbiznis/coachpay/internal/tax"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(tax.NewResolver),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
