// The main package for the marketcrawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/marketplace-crawler/cmd"
)

// main defers all execution to the Cobra CLI and exits with the run status.
func main() {
	os.Exit(cmd.Execute())
}
