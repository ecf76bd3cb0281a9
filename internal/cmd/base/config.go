package base

import (
	"github.com/hashicorp-forge/boardsync/internal/config"
)

// LoadConfig parses the configuration file at path, or returns the defaults
// when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.NewConfig(path)
}
