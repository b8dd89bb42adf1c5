package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/logging"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage event hooks",
	}
	cmd.AddCommand(newHooksListCmd())
	cmd.AddCommand(newHooksTestCmd())
	return cmd
}

func newHooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the project's hooks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			service := hooks.NewService(project)
			list, err := service.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No hooks defined.")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"NAME", "PATTERN", "TARGET", "DISABLED"})
			for _, h := range list {
				target := h.Command
				if h.URL != "" {
					target = h.URL
				}
				disabledCol := ""
				if h.Disabled {
					disabledCol = "yes"
				}
				t.AppendRow(table.Row{h.Name, h.Pattern, truncate(target, 50), disabledCol})
			}
			t.Render()
			return nil
		},
	}
}

func newHooksTestCmd() *cobra.Command {
	var eventName string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Fire a synthetic event through the hook dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			dispatcher := hooks.NewDispatcher(hooks.NewService(project), logging.Setup(verbose))

			ev := events.NewEvent(events.EventType(eventName), "hook-test",
				map[string]string{"project": project, "synthetic": "true"})
			dispatcher.Dispatch(ev)
			dispatcher.Wait()

			fmt.Printf("Dispatched %s to matching hooks\n", eventName)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventName, "event", "task.completed", "event name to fire")
	return cmd
}
