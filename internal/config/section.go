package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Section points at a sub-config file (the exchange registry or the strategy
// parameters) referenced from the main app config. The referenced file is
// parsed into T during Load; inline values set programmatically (tests, the
// sim harness) are honoured as-is.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Configured reports whether the section carries either a file reference or
// an inline value.
func (s *Section[T]) Configured() bool {
	return s.File != "" || s.Value != nil
}

// load resolves the section's file against the app config's directory and
// parses it with the supplied loader. A section with no file is left alone.
func (s *Section[T]) load(baseDir string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	path := resolveConfigPath(baseDir, s.File)
	value, err := loader(path)
	if err != nil {
		return fmt.Errorf("load section %s: %w", s.File, err)
	}
	s.File, s.Value = path, value
	return nil
}

// resolveConfigPath expands environment variables in a sub-config reference
// and anchors relative paths at the main config's directory, so
// `strategy.file: strategy.yaml` sits next to etc/perparb.yaml regardless of
// the working directory the binary started in.
func resolveConfigPath(baseDir, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(baseDir, file)
}
