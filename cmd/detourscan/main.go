// detourscan analyzes function prefixes offline: it decodes the
// instructions an attach would displace, reports end-of-function and filler
// classification, and computes the reachability window a trampoline would
// have to land in.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose  bool
	archName string
	loadAddr uint64
)

var rootCmd = &cobra.Command{
	Use:   "detourscan",
	Short: "Analyze function prefixes for detour viability",
	Long: `detourscan inspects machine code the way the detour engine does at
attach time: it decodes the minimal instruction prefix an overwrite would
displace, flags instructions that end the function early, recognizes
trailing padding, and prints the address window a trampoline must be
allocated in. Input is either a raw code dump or a PE image with an
exported function name.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		StringVar(&archName, "arch", "amd64", "Instruction set: amd64, 386, arm, arm64")
	rootCmd.PersistentFlags().
		Uint64Var(&loadAddr, "address", 0x140001000, "Assumed load address of the code")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		initLogger(verbose)
	}
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(imageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
