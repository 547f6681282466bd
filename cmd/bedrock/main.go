package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/bedrock/internal/fault"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var parsed bool
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) { parsed = true }

	if err := rootCmd.Execute(); err != nil {
		err = classifyUsage(err, parsed)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := fault.Remediation(fault.KindOf(err)); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(fault.ExitCode(err))
	}
}

// classifyUsage tags errors raised before any command body ran (flag
// parsing, unknown subcommands, argument validation) as parameter
// faults; errors from the commands themselves already carry a kind.
func classifyUsage(err error, parsed bool) error {
	if err != nil && !parsed && fault.KindOf(err) == fault.KindNone {
		return fault.Parameterf("%v", err)
	}
	return err
}

var rootCmd = &cobra.Command{
	Use:   "bedrock",
	Short: "Bedrock - block storage preparation tool",
	Long: `Bedrock prepares a host's block storage for use as a volume-manager pool.

It enumerates the host's disks, decides which ones are safely reusable,
and can wipe, partition and register the free ones into a single volume
group ready to carry guest volumes.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(createCmd)
}

const (
	sysBlockDir    = "/sys/block"
	devDir         = "/dev"
	procMountsPath = "/proc/mounts"
)
