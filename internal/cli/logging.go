package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"perparb/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Metrics: %s", valueOr(cfg.MetricsListenAddr, "disabled")),
		fmt.Sprintf("Journal: %s", valueOr(cfg.JournalDir, "disabled")),
		sectionLine("Exchange config", cfg.Exchange),
		sectionLine("Strategy config", cfg.Strategy),
	}
	if strat := cfg.Strategy.Value; strat != nil {
		lines = append(lines,
			fmt.Sprintf("Scan venues: %s", strings.Join(strat.ScanVenues, ", ")),
			fmt.Sprintf("Target margin: %s x%d", strat.TargetMargin.String(), strat.Leverage),
			fmt.Sprintf("Max positions: %d", strat.MaxPositions),
			fmt.Sprintf("Dry run: %v", strat.DryRun),
		)
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func sectionLine[T any](name string, section config.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
