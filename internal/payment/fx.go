package payment

import (
	"github.com/smallbiznis/coachpay/internal/config"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"github.com/smallbiznis/coachpay/internal/payment/iyzico"
	"github.com/smallbiznis/coachpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/coachpay/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewGateways),
	fx.Provide(paymentservice.NewService),
)

type GatewayParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// NewGateways builds the iyzico clients for both confirmation paths. Missing
// credentials leave the gateways empty and confirmation reports
// provider_not_configured.
func NewGateways(p GatewayParams) (paymentdomain.Gateways, error) {
	cfg := p.Config.Iyzico
	if !cfg.Configured() {
		p.Log.Warn("iyzico credentials missing, payment confirmation disabled")
		return paymentdomain.Gateways{}, nil
	}

	clientCfg := iyzico.Config{
		BaseURL: cfg.BaseURL,
		Locale:  cfg.Locale,
		Timeout: cfg.Timeout,
		Log:     p.Log,
		Metrics: p.Metrics,
	}

	callback, err := iyzico.NewClient(clientCfg, iyzico.HMACAuthorizer{
		APIKey:    cfg.APIKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return paymentdomain.Gateways{}, err
	}
	webhook, err := iyzico.NewClient(clientCfg, iyzico.V2Authorizer{
		APIKey:    cfg.APIKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return paymentdomain.Gateways{}, err
	}

	return paymentdomain.Gateways{Callback: callback, Webhook: webhook}, nil
}
