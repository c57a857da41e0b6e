// Command pkgbisect binary-searches a package registry's publication
// history to find the release that broke a project.
package main

import (
	"fmt"
	"os"

	"github.com/tinystack-dev/pkgbisect/internal/app"
)

func main() {
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pkgbisect:", err)
		os.Exit(1)
	}
}
