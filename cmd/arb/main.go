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
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"perparb/internal/cli"
	"perparb/internal/config"
	"perparb/internal/svc"
	"perparb/pkg/executor"
	"perparb/pkg/fees"
	"perparb/pkg/funding"
	"perparb/pkg/lifecycle"
	"perparb/pkg/scanner"
	"perparb/pkg/strategy"
)

var configFile = flag.String("f", "etc/perparb.yaml", "the config file")

func main() {
	config.LoadDotenv()
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	defer logx.Close()

	cli.LogConfigSummary(cfg)

	strat := cfg.Strategy.Value
	if strat == nil {
		log.Fatal("strategy config is required (strategy.file in the app config)")
	}

	svcCtx := svc.NewServiceContext(*cfg)
	if svcCtx.Store == nil {
		log.Fatal("postgres DSN is required for the strategy loop")
	}

	venues := svcCtx.ScanVenues(strat.ScanVenues)
	for _, name := range strat.ScanVenues {
		if _, ok := venues[name]; !ok {
			log.Fatalf("scan venue %q has no configured provider", name)
		}
	}

	schedule := fees.DefaultSchedule()
	for venue, override := range strat.FeeOverrides {
		schedule[venue] = fees.VenueFees{
			MakerBps: decimalFromFloat(override.MakerBps),
			TakerBps: decimalFromFloat(override.TakerBps),
		}
	}

	collector := funding.New(venues, svcCtx.Store, funding.WithInterval(strat.CheckInterval))
	scan := scanner.New(svcCtx.Store, fees.NewCalculator(schedule))

	execOpts := []executor.Option{}
	if svcCtx.Journal != nil {
		execOpts = append(execOpts, executor.WithEvents(svcCtx.Journal))
	}
	exec := executor.New(venues, svcCtx.Store, execOpts...)
	monitor := lifecycle.New(venues, svcCtx.Store, strat.MonitorConfig())
	orchestrator := strategy.New(strat, collector, scan, exec, monitor, svcCtx.Store)

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

	logx.Infof("perparb strategy starting, account=%s", strat.AccountID)
	if err := orchestrator.Run(ctx); err != nil && err != context.Canceled {
		logx.Errorf("strategy loop exited: %v", err)
	}
	logx.Info("perparb strategy stopped")
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
