// noxrunner is the command-line front end to the local sandbox jail:
// run allow-listed commands in contained workspaces and sweep expired ones.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "noxrunner",
	Short: "Local sandbox execution jail",
	Long: `NoxRunner creates named, time-limited sandbox workspaces on the host
filesystem and runs allow-listed commands inside them with resource and
time bounds. No command can read, write, or execute outside its sandbox's
directory tree.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
