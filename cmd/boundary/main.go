// boundary weaves method boundary aspects into module images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("boundary.cli")

var globalFlags struct {
	Verbosity int
	LogFile   string
	ConfigDir string
}

var rootCmd = &cobra.Command{
	Use:   "boundary",
	Short: "Weave OnEntry/OnExit/OnException aspects into module images",
	Long: `boundary rewrites the methods of module images so that the aspects
applied to them run around the original body. Configuration is read from
boundary.toml, found by walking up from the images being processed.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var path *string
		if globalFlags.LogFile != "" {
			path = &globalFlags.LogFile
		}
		commonlog.Configure(globalFlags.Verbosity, path)
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&globalFlags.Verbosity, "verbose", "v", "log verbosity (repeat for more)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log", "", "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigDir, "config", "", "directory holding boundary.toml (default: search upwards from the images)")

	rootCmd.AddCommand(weaveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
