// Package cli implements the steroids command-line interface. Commands are a
// thin shell over the internal packages; the only logic living here is flag
// parsing, output formatting and exit-code mapping.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	projectFlag string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "steroids",
	Short: "Autonomous coder/reviewer orchestration",
	Long: `steroids drives AI coder and reviewer agents through a project's task
list: one runner daemon per project selects tasks, invokes the coder,
routes the result through review and advances git on approval.

Quick start:
  steroids projects register .        Register the current repo
  steroids tasks add "Fix login bug"  Queue a task
  steroids runner start               Start the runner daemon
  steroids wakeup                     Reconcile runners across projects`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return exitCode(err)
	}
	return exitOK
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "project path (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newRunnerCmd())
	rootCmd.AddCommand(newLoopCmd())
	rootCmd.AddCommand(newWakeupCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newSectionsCmd())
	rootCmd.AddCommand(newProjectsCmd())
	rootCmd.AddCommand(newParallelCmd())
	rootCmd.AddCommand(newWorkspacesCmd())
	rootCmd.AddCommand(newDisputesCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newHooksCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initEnv loads .env and binds STEROIDS_* environment variables. Config files
// stay per-project (config.Load); viper only covers the global knobs.
func initEnv() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("STEROIDS")
	viper.AutomaticEnv()

	if projectFlag == "" {
		if p := viper.GetString("PROJECT"); p != "" {
			projectFlag = p
		}
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "steroids: verbose output enabled")
	}
}
