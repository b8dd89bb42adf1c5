package cli

import (
	"fmt"
	"os/exec"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/util"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local steroids installation and project health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			healthy := true
			check := func(name string, err error) {
				if err != nil {
					healthy = false
					fmt.Printf("%s %s: %v\n", color.RedString("✗"), name, err)
					return
				}
				fmt.Printf("%s %s\n", color.GreenString("✓"), name)
			}

			_, homeErr := util.HomeDir()
			check("home directory", homeErr)

			reg, regErr := openRegistry()
			check("global registry", regErr)
			if regErr == nil {
				defer reg.Close()
				if _, err := reg.ListProjects(); err != nil {
					check("registry schema", err)
				} else {
					check("registry schema", nil)
				}
			}

			_, gitErr := exec.LookPath("git")
			check("git executable", gitErr)

			project, err := resolveProject()
			if err != nil {
				return err
			}
			if util.HasProjectStore(project) {
				s, storeErr := openProjectStore(project)
				check("project store", storeErr)
				if storeErr == nil {
					s.Close()
				}

				if gitErr == nil && !git.New(nil).IsRepo(project) {
					check("project git repo", fmt.Errorf("%s is not a git work tree", project))
				} else if gitErr == nil {
					check("project git repo", nil)
				}

				guard := lock.NewPIDGuard(project, ports.OSProcessControl{})
				if zombie, err := guard.Zombie(); err == nil && zombie {
					check("runner pid file", fmt.Errorf("zombie pid file (run: steroids wakeup)"))
				} else {
					check("runner pid file", err)
				}
			} else {
				fmt.Printf("%s project store: %s not registered (skipping project checks)\n",
					color.YellowString("-"), project)
			}

			if !healthy {
				return configErrf("health checks failed")
			}
			return nil
		},
	}
}
