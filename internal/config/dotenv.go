package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenv seeds the process environment from a .env file before the venue
// keys and the Postgres DSN are expanded out of the configs. The first call
// wins; later calls are no-ops. Lookup order:
//
//  1. PERPARB_ENV_FILE, when set, names the exact file.
//  2. Otherwise .env is searched from the working directory upwards until a
//     directory containing go.mod is reached.
//
// Variables already present in the environment are never overridden, so CI
// and systemd units keep authority over local .env files. Set
// PERPARB_NO_DOTENV=1 to skip entirely.
func LoadDotenv() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("PERPARB_NO_DOTENV") == "1" {
		return
	}

	if envFile := os.Getenv("PERPARB_ENV_FILE"); envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}

	dir, err := os.Getwd()
	if err != nil {
		_ = godotenv.Load()
		return
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
			return
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return // repo root reached without a .env
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
