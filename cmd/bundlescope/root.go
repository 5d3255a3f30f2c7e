// bundlescope audits a pull request against an extension registry: it
// fetches the published and PR-built bundles the PR references, unpacks
// them, and drives an external structural-diff tool over the trees.
//
// Usage:
//
//	bundlescope review <pr-number> [--config <path>] [--retry]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bundlescope",
	Short: "Audit extension registry pull requests by diffing their bundles",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
