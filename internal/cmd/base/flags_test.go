package base

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagSet_Help(t *testing.T) {
	var (
		config string
		dryRun bool
	)
	f := NewFlagSet(flag.NewFlagSet("test", flag.ContinueOnError))
	f.StringVar(&config, "config", "boardsync.hcl", "Path to the `file` to load.")
	f.BoolVar(&dryRun, "dry-run", false, "Only print what would be done.")

	help := f.Help()
	assert.Contains(t, help, "Options:")
	assert.Contains(t, help, "-config=<file>")
	assert.Contains(t, help, "Default: boardsync.hcl")
	assert.Contains(t, help, "-dry-run\n")
	assert.NotContains(t, help, "Default: false")
}
