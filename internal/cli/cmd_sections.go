package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/store"
)

func newSectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "Manage a project's sections",
	}
	cmd.AddCommand(newSectionsAddCmd())
	cmd.AddCommand(newSectionsListCmd())
	cmd.AddCommand(newSectionsSkipCmd(true))
	cmd.AddCommand(newSectionsSkipCmd(false))
	cmd.AddCommand(newSectionsDependCmd())
	return cmd
}

func newSectionsAddCmd() *cobra.Command {
	var (
		position int
		priority int
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			sec, err := s.CreateSection(args[0], position, priority)
			if err != nil {
				return err
			}
			fmt.Printf("Created section %s (%s)\n", sec.Name, shortID(sec.ID))
			return nil
		},
	}
	cmd.Flags().IntVar(&position, "position", -1, "ordering position (default: append)")
	cmd.Flags().IntVar(&priority, "priority", 0, "selection priority within the position")
	return cmd
}

func newSectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sections in selection order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			sections, err := s.ListSections()
			if err != nil {
				return err
			}
			if len(sections) == 0 {
				fmt.Println("No sections defined.")
				return nil
			}

			names := map[string]string{}
			for _, sec := range sections {
				names[sec.ID] = sec.Name
			}

			t := newTable()
			t.AppendHeader(table.Row{"NAME", "POS", "PRI", "OPEN", "SKIPPED", "DEPENDS ON"})
			for _, sec := range sections {
				open, err := s.ListTasks(store.TaskFilter{
					Statuses:  []store.Status{store.StatusPending, store.StatusInProgress, store.StatusReview},
					SectionID: sec.ID,
				})
				if err != nil {
					return err
				}
				var deps []string
				for _, dep := range sec.DependsOn {
					deps = append(deps, names[dep])
				}
				skippedCol := ""
				if sec.Skipped {
					skippedCol = "yes"
				}
				t.AppendRow(table.Row{sec.Name, sec.Position, sec.Priority,
					len(open), skippedCol, strings.Join(deps, ", ")})
			}
			t.Render()
			return nil
		},
	}
}

func newSectionsSkipCmd(skip bool) *cobra.Command {
	use, short := "skip <name>", "Exclude a section from selection"
	if !skip {
		use, short = "unskip <name>", "Re-include a skipped section"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			sec, err := s.GetSectionByName(args[0])
			if err != nil {
				return err
			}
			if err := s.SetSectionSkipped(sec.ID, skip); err != nil {
				return err
			}
			if skip {
				fmt.Printf("Section %s skipped\n", sec.Name)
			} else {
				fmt.Printf("Section %s re-enabled\n", sec.Name)
			}
			return nil
		},
	}
}

func newSectionsDependCmd() *cobra.Command {
	var on string
	cmd := &cobra.Command{
		Use:   "depend <name>",
		Short: "Make a section depend on another",
		Long: `Record that a section may only be worked after another section has
drained. Cycles are rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if on == "" {
				return usageErrf("--on is required")
			}
			project, err := resolveProject()
			if err != nil {
				return err
			}
			s, err := openProjectStore(project)
			if err != nil {
				return err
			}
			defer s.Close()

			sec, err := s.GetSectionByName(args[0])
			if err != nil {
				return err
			}
			dep, err := s.GetSectionByName(on)
			if err != nil {
				return err
			}
			if err := s.AddSectionDependency(sec.ID, dep.ID); err != nil {
				return err
			}
			fmt.Printf("Section %s now depends on %s\n", sec.Name, dep.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&on, "on", "", "section that must drain first")
	return cmd
}
