package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thisnick/agent-rdp/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "agent-rdp-session",
	Short: "Headless RDP automation session daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the session daemon and block until it shuts down",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDaemon())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a session daemon is running and its connection state",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStatus())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running session daemon to shut down gracefully",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStop())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agent-rdp-session v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./agent-rdp.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(format, level, file string) {
	var output = os.Stdout
	logging.Init(format, level, output)
	log = logging.L("main")
	if file != "" {
		rw, err := logging.NewRotatingWriter(file, 10, 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", file, err)
			return
		}
		logging.Init(format, level, logging.TeeWriter(os.Stdout, rw))
		log = logging.L("main")
	}
}
