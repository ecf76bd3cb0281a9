package base

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
)

// FlagSet wraps flag.FlagSet to render flag help for command Help output.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	return &FlagSet{FlagSet: f}
}

// Help returns the flags formatted for inclusion in a command's help text.
func (f *FlagSet) Help() string {
	var buf bytes.Buffer
	buf.WriteString("\n\nOptions:\n")

	f.VisitAll(func(fl *flag.Flag) {
		name, usage := flag.UnquoteUsage(fl)
		if name != "" {
			fmt.Fprintf(&buf, "\n  -%s=<%s>\n", fl.Name, name)
		} else {
			fmt.Fprintf(&buf, "\n  -%s\n", fl.Name)
		}
		for _, line := range strings.Split(usage, "\n") {
			fmt.Fprintf(&buf, "    %s\n", line)
		}
		if fl.DefValue != "" && fl.DefValue != "false" {
			fmt.Fprintf(&buf, "    Default: %s\n", fl.DefValue)
		}
	})

	return strings.TrimRight(buf.String(), "\n")
}
