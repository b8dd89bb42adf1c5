package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/util"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage the global project registry",
	}
	cmd.AddCommand(newProjectsRegisterCmd())
	cmd.AddCommand(newProjectsUnregisterCmd())
	cmd.AddCommand(newProjectsEnableCmd(true))
	cmd.AddCommand(newProjectsEnableCmd(false))
	cmd.AddCommand(newProjectsListCmd())
	cmd.AddCommand(newProjectsPruneCmd())
	return cmd
}

// projectArg resolves the optional positional path argument, falling back to
// --project / the working directory.
func projectArg(args []string) (string, error) {
	if len(args) > 0 {
		return util.NormalizeProjectPath(args[0])
	}
	return resolveProject()
}

func newProjectsRegisterCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register [path]",
		Short: "Register a project and initialize its task store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := projectArg(args)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(path)
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			// Opening the store creates .steroids/ and the schema.
			s, err := store.Open(path)
			if err != nil {
				return err
			}
			s.Close()

			if _, err := reg.RegisterProject(path, name); err != nil {
				return err
			}
			fmt.Printf("Registered %s as %q\n", path, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: directory name)")
	return cmd
}

func newProjectsUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister [path]",
		Short: "Remove a project from the registry",
		Long: `Remove the registry row. The project's .steroids directory and task
store are left untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := projectArg(args)
			if err != nil {
				return err
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.UnregisterProject(path); err != nil {
				return err
			}
			fmt.Printf("Unregistered %s\n", path)
			return nil
		},
	}
}

func newProjectsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable [path]", "Allow runners and wakeup to work the project"
	if !enable {
		use, short = "disable [path]", "Stop runners and wakeup from working the project"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := projectArg(args)
			if err != nil {
				return err
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.SetProjectEnabled(path, enable); err != nil {
				return err
			}
			if enable {
				fmt.Printf("Enabled %s\n", path)
			} else {
				fmt.Printf("Disabled %s\n", path)
			}
			return nil
		},
	}
}

func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			projects, err := reg.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects registered. Add one with: steroids projects register <path>")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"NAME", "PATH", "ENABLED", "PENDING", "ACTIVE", "REVIEW", "DONE", "LAST SEEN"})
			for _, p := range projects {
				enabledCol := color.GreenString("yes")
				if !p.Enabled {
					enabledCol = color.RedString("no")
				}
				t.AppendRow(table.Row{p.Name, p.Path, enabledCol,
					p.Stats.Pending, p.Stats.InProgress, p.Stats.Review,
					p.Stats.Completed, age(p.LastSeenAt)})
			}
			t.Render()
			return nil
		},
	}
}

func newProjectsPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Unregister projects whose directory or store has vanished",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			pruned, err := reg.PruneProjects(func(path string) bool {
				if _, err := os.Stat(path); err != nil {
					return true
				}
				return !util.HasProjectStore(path)
			})
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Println("Nothing to prune.")
				return nil
			}
			for _, path := range pruned {
				fmt.Printf("Pruned %s\n", path)
			}
			return nil
		},
	}
}
