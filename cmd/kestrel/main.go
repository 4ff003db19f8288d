// Command kestrel explores Go functions symbolically and emits one test case
// per discovered execution path.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Kestrel is a symbolic execution engine for Go",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kestrel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kestrel", Version)
		},
	}
}
