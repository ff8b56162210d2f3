package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/api"
	"github.com/Ernesto-tha-great/swish/pkg/app"
	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/config"
	"github.com/Ernesto-tha-great/swish/pkg/docregistry"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
	"github.com/Ernesto-tha-great/swish/pkg/oracle"
	"github.com/Ernesto-tha-great/swish/pkg/processor"
	"github.com/Ernesto-tha-great/swish/pkg/registry"
	"github.com/Ernesto-tha-great/swish/pkg/scheduler"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := config.Load()
	log := app.Logger(cfg.App.LogLevel)

	authorizer := auth.NewAuthorizer(log, cfg.Engine.Admin)
	for _, account := range cfg.Engine.PaymentManagers {
		if err := authorizer.Grant(cfg.Engine.Admin, account, auth.CapabilityPaymentManager); err != nil {
			log.Fatal("grant payment-manager", zap.Error(err))
		}
	}
	for _, account := range cfg.Engine.PriceFeeders {
		if err := authorizer.Grant(cfg.Engine.Admin, account, auth.CapabilityPriceFeeder); err != nil {
			log.Fatal("grant price-feeder", zap.Error(err))
		}
	}
	for _, account := range cfg.Engine.DocumentManagers {
		if err := authorizer.Grant(cfg.Engine.Admin, account, auth.CapabilityDocumentManager); err != nil {
			log.Fatal("grant document-manager", zap.Error(err))
		}
	}
	// the scheduler's service account settles subscription cycles itself
	if err := authorizer.Grant(cfg.Engine.Admin, cfg.Engine.SchedulerAccount, auth.CapabilityPaymentManager); err != nil {
		log.Fatal("grant scheduler account", zap.Error(err))
	}

	dispatcher := events.NewDispatcher(log)
	book := ledger.New(log)
	reg := registry.New(log, authorizer, dispatcher)
	proc, err := processor.New(log, authorizer, book, reg, dispatcher, cfg.Engine.FeeBps, cfg.Engine.FeeCollector)
	if err != nil {
		log.Fatal("processor init", zap.Error(err))
	}
	sched := scheduler.New(log, authorizer, book, proc, dispatcher, cfg.Engine.SchedulerAccount)
	docs := docregistry.New(log, authorizer, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Engine.PriceFeeders) > 0 && len(cfg.Oracle.Sources) > 0 {
		sources := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
		for i, baseURL := range cfg.Oracle.Sources {
			sources = append(sources, oracle.NewHTTPSource(fmt.Sprintf("source-%d", i), baseURL))
		}
		feeder := oracle.New(log, reg, cfg.Engine.PriceFeeders[0], cfg.Oracle.RefreshInterval, sources...)
		go feeder.Run(ctx)
	}

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%v", cfg.App.MetricsPort), metricsMux); err != nil {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	handler := api.NewHandler(log, authorizer, reg, proc, sched, docs, book, dispatcher,
		api.WithLimits(api.Limits{BulkLimits: cfg.API.BulkLimits}))
	server, err := api.NewServer(log, handler, fmt.Sprintf(":%v", cfg.API.Port),
		api.WithHttpMiddleware(
			api.Recovery(log),
			api.Logging(log),
			api.Metrics,
			api.RateLimit(cfg.API.RateLimit),
		))
	if err != nil {
		log.Fatal("server init", zap.Error(err))
	}

	go server.Run()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
