package theme

import (
	"fmt"
	"io"
)

// Banner returns the CLI banner.
func Banner() string {
	const cyan = "\033[36m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	art := "" +
		cyan + "   __            __              __\n" + reset +
		cyan + "  / /___  ____  / /______  __  __/ /_\n" + reset +
		cyan + " / / __ \\/ __ \\/ //_/ __ \\/ / / / __/\n" + reset +
		cyan + "/ / /_/ / /_/ / ,< / /_/ / /_/ / /_\n" + reset +
		cyan + "/_/\\____/\\____/_/|_|\\____/\\__,_/\\__/\n" + reset +
		yellow + "  ──────────────────────────────────\n" + reset +
		"  monitors across platforms, one query at a time\n"
	return art
}

// PrintBanner writes the banner to w.
func PrintBanner(w io.Writer) {
	fmt.Fprint(w, Banner())
}
