package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/config"
	_ "perparb/pkg/exchange/sim"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exchange.yaml", `
default: paper
providers:
  paper:
    type: sim
`)
	writeFile(t, dir, "strategy.yaml", `
scan_venues: [paper, other]
target_margin: "100"
max_positions: 2
`)
	mainPath := writeFile(t, dir, "perparb.yaml", `
Name: perparb-test
Env: test
Postgres:
  DSN: ""
Exchange:
  File: exchange.yaml
Strategy:
  File: strategy.yaml
`)

	cfg, err := config.Load(mainPath)
	require.NoError(t, err)

	assert.True(t, cfg.IsTestEnv())
	assert.Equal(t, mainPath, cfg.MainPath())

	// Sub-config paths resolve against the main config's directory and the
	// parsed values are attached.
	require.True(t, cfg.Exchange.Configured())
	assert.Equal(t, filepath.Join(dir, "exchange.yaml"), cfg.Exchange.File)
	require.NotNil(t, cfg.Exchange.Value)
	assert.Equal(t, "paper", cfg.Exchange.Value.Default)

	require.NotNil(t, cfg.Strategy.Value)
	assert.Equal(t, 2, cfg.Strategy.Value.MaxPositions)
}

func TestLoadWithoutSections(t *testing.T) {
	dir := t.TempDir()
	mainPath := writeFile(t, dir, "perparb.yaml", `
Name: perparb-test
`)
	cfg, err := config.Load(mainPath)
	require.NoError(t, err)
	assert.False(t, cfg.Exchange.Configured())
	assert.Nil(t, cfg.Strategy.Value)
	assert.False(t, cfg.IsTestEnv())
}

func TestLoadSurfacesSectionErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exchange.yaml", `
providers:
  mystery:
    type: no-such-venue
`)
	mainPath := writeFile(t, dir, "perparb.yaml", `
Name: perparb-test
Exchange:
  File: exchange.yaml
`)
	_, err := config.Load(mainPath)
	require.Error(t, err)
}

func TestSectionFileEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exchange.yaml", `
providers:
  paper:
    type: sim
`)
	t.Setenv("PERPARB_TEST_EXCHANGE_FILE", "exchange.yaml")
	mainPath := writeFile(t, dir, "perparb.yaml", `
Name: perparb-test
Exchange:
  File: ${PERPARB_TEST_EXCHANGE_FILE}
`)
	cfg, err := config.Load(mainPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "exchange.yaml"), cfg.Exchange.File)
}

func TestLoadDotenvRespectsExistingEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "PERPARB_DOTENV_PROBE=from_file\n")
	t.Setenv("PERPARB_ENV_FILE", filepath.Join(dir, ".env"))
	t.Setenv("PERPARB_DOTENV_PROBE", "from_env")

	config.LoadDotenv()
	// godotenv never overrides variables the process already has.
	assert.Equal(t, "from_env", os.Getenv("PERPARB_DOTENV_PROBE"))
}
