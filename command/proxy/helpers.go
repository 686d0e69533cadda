package proxy

import (
	"flag"
	"fmt"
	"strings"
)

// flagUsage appends the defined flags to the command help text.
func flagUsage(help string, fs *flag.FlagSet) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(help))
	b.WriteString("\n\nOptions:\n\n")
	fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(&b, "  -%s\n        %s\n", f.Name, f.Usage)
	})
	return b.String()
}
