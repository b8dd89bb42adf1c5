package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/store"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage a project's tasks",
	}
	cmd.AddCommand(newTasksAddCmd())
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksShowCmd())
	cmd.AddCommand(newTasksSkipCmd())
	cmd.AddCommand(newTasksResetCmd())
	cmd.AddCommand(newTasksResetRejectionsCmd())
	return cmd
}

func newTasksAddCmd() *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a new task",
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

			task := &store.Task{Title: args[0]}
			if section != "" {
				sec, err := s.GetSectionByName(section)
				if err != nil {
					return usageErrf("section %q not found", section)
				}
				task.SectionID = sec.ID
			}
			if err := s.CreateTask(task); err != nil {
				return err
			}
			fmt.Printf("Created task %s\n", shortID(task.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "section name to file the task under")
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		status  string
		section string
		search  string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
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

			filter := store.TaskFilter{Search: search}
			if status != "" {
				filter.Statuses = []store.Status{store.Status(status)}
			}
			if section != "" {
				sec, err := s.GetSectionByName(section)
				if err != nil {
					return usageErrf("section %q not found", section)
				}
				filter.SectionID = sec.ID
			}

			tasks, err := s.ListTasks(filter)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: steroids tasks add \"Your task\"")
				return nil
			}

			sections := map[string]string{}
			if secs, err := s.ListSections(); err == nil {
				for _, sec := range secs {
					sections[sec.ID] = sec.Name
				}
			}

			t := newTable()
			t.AppendHeader(table.Row{"ID", "STATUS", "REJ", "SECTION", "UPDATED", "TITLE"})
			for _, task := range tasks {
				sectionCol := sections[task.SectionID]
				if sectionCol == "" {
					sectionCol = "-"
				}
				t.AppendRow(table.Row{
					shortID(task.ID),
					statusCell(task.Status),
					task.RejectionCount,
					sectionCol,
					age(task.UpdatedAt),
					truncate(task.Title, 50),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&section, "section", "", "filter by section name")
	cmd.Flags().StringVar(&search, "search", "", "filter by title substring")
	return cmd
}

func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its audit trail",
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

			task, err := findTask(s, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Task:       %s\n", task.ID)
			fmt.Printf("Title:      %s\n", task.Title)
			fmt.Printf("Status:     %s\n", statusCell(task.Status))
			fmt.Printf("Rejections: %d/%d\n", task.RejectionCount, store.MaxRejections)
			if task.SectionID != "" {
				if sec, err := s.GetSection(task.SectionID); err == nil {
					fmt.Printf("Section:    %s\n", sec.Name)
				}
			}
			if task.FilePath != "" {
				fmt.Printf("Source:     %s:%d\n", task.FilePath, task.FileLine)
			}
			fmt.Printf("Created:    %s\n", age(task.CreatedAt))
			fmt.Printf("Updated:    %s\n", age(task.UpdatedAt))

			audit, err := s.ListAudit(task.ID)
			if err != nil {
				return err
			}
			if len(audit) == 0 {
				return nil
			}
			fmt.Println("\nHistory:")
			t := newTable()
			t.AppendHeader(table.Row{"WHEN", "FROM", "TO", "ACTOR", "NOTES"})
			for _, a := range audit {
				t.AppendRow(table.Row{age(a.CreatedAt), a.FromStatus, a.ToStatus, a.Actor, truncate(a.Notes, 40)})
			}
			t.Render()
			return nil
		},
	}
}

func newTasksSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a task",
		Args:  cobra.ExactArgs(1),
		RunE:  taskTransitionCmd(store.StatusSkipped, "Skipped"),
	}
}

// taskTransitionCmd moves a task from its current status to target, subject
// to the legal transition table.
func taskTransitionCmd(target store.Status, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		project, err := resolveProject()
		if err != nil {
			return err
		}
		s, err := openProjectStore(project)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := findTask(s, args[0])
		if err != nil {
			return err
		}
		if err := s.Transition(task.ID, task.Status, target, cliActor, "", ""); err != nil {
			return err
		}
		fmt.Printf("%s task %s\n", verb, shortID(task.ID))
		return nil
	}
}

func newTasksResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset a terminal task back to pending",
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

			task, err := findTask(s, args[0])
			if err != nil {
				return err
			}
			if err := s.ResetTask(task.ID, cliActor); err != nil {
				return err
			}
			fmt.Printf("Reset task %s to pending\n", shortID(task.ID))
			return nil
		},
	}
}

func newTasksResetRejectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-rejections <id>",
		Short: "Zero a task's rejection counter",
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

			task, err := findTask(s, args[0])
			if err != nil {
				return err
			}
			if err := s.ResetRejections(task.ID, cliActor); err != nil {
				return err
			}
			fmt.Printf("Reset rejections for task %s\n", shortID(task.ID))
			return nil
		},
	}
}
