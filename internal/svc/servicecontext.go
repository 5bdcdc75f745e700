package svc

import (
	"database/sql"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"perparb/internal/config"
	arbpersist "perparb/internal/persistence/arb"
	exchangepkg "perparb/pkg/exchange"
	_ "perparb/pkg/exchange/aster"       // register aster provider
	_ "perparb/pkg/exchange/hyperliquid" // register hyperliquid provider
	_ "perparb/pkg/exchange/sim"         // register sim provider
	"perparb/pkg/journal"
)

// ServiceContext wires configuration, venue providers and persistence for
// the strategy binaries.
type ServiceContext struct {
	Config config.Config

	ExchangeConfig *exchangepkg.Config
	Venues         map[string]exchangepkg.Provider

	DBConn sqlx.SqlConn
	Store  *arbpersist.Service

	Journal *journal.Writer
}

// NewServiceContext builds the shared dependencies.
func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{Config: c}

	if c.Exchange.Value == nil {
		log.Fatal("exchange config is required")
	}
	exchangeCfg := c.Exchange.Value
	if c.IsTestEnv() {
		for _, provider := range exchangeCfg.Providers {
			provider.Testnet = true
		}
	}
	venues, err := exchangeCfg.BuildProviders()
	if err != nil {
		log.Fatalf("failed to build venue providers: %v", err)
	}
	svc.ExchangeConfig = exchangeCfg
	svc.Venues = venues

	if c.Postgres.DSN != "" {
		db, err := sql.Open("pgx", c.Postgres.DSN)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		maxOpen := c.Postgres.MaxOpen
		if maxOpen <= 0 {
			// Pool sized to the evaluation concurrency cap plus headroom.
			maxOpen = 8 + 4
			if strat := c.Strategy.Value; strat != nil {
				maxOpen = strat.MaxConcurrentEvaluations + 4
			}
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(c.Postgres.MaxIdle)
		svc.DBConn = sqlx.NewSqlConnFromDB(db)
		svc.Store = arbpersist.NewService(svc.DBConn)
	}

	if c.JournalDir != "" {
		svc.Journal = journal.NewWriter(c.JournalDir)
	}
	return svc
}

// ScanVenues returns the provider subset the strategy scans, keyed by name.
func (s *ServiceContext) ScanVenues(names []string) map[string]exchangepkg.Provider {
	out := make(map[string]exchangepkg.Provider, len(names))
	for _, name := range names {
		if provider, ok := s.Venues[name]; ok {
			out[name] = provider
		}
	}
	return out
}
