package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/core/logx"

	"perparb/internal/cli"
	"perparb/internal/config"
	"perparb/internal/svc"
	"perparb/pkg/funding"
)

// Standalone funding collector: keeps latest_funding_rates, funding_rates and
// dex_symbols fresh without running the strategy loop. Useful when several
// strategy processes share one venue set.

var configFile = flag.String("f", "etc/perparb.yaml", "the config file")

func main() {
	config.LoadDotenv()
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	defer logx.Close()

	cli.LogConfigSummary(cfg)

	svcCtx := svc.NewServiceContext(*cfg)
	if svcCtx.Store == nil {
		log.Fatal("postgres DSN is required for the collector")
	}
	if len(svcCtx.Venues) == 0 {
		log.Fatal("no venue providers configured")
	}

	opts := []funding.Option{}
	if strat := cfg.Strategy.Value; strat != nil {
		opts = append(opts, funding.WithInterval(strat.CheckInterval))
	}
	collector := funding.New(svcCtx.Venues, svcCtx.Store, opts...)

	if cfg.MetricsListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				logx.Errorf("metrics listener: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Infof("funding collector starting across %d venues", len(svcCtx.Venues))
	collector.Run(ctx)
	logx.Info("funding collector stopped")
}
