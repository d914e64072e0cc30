package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyobox/pkg/engine"
)

func newBoxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Manage boxes",
		Long:  `Create, deploy, inspect and delete boxes on a running froyobox server.`,
	}

	cmd.AddCommand(newBoxCreateCommand())
	cmd.AddCommand(newBoxListCommand())
	cmd.AddCommand(newBoxGetCommand())
	cmd.AddCommand(newBoxDeployCommand())
	cmd.AddCommand(newBoxDeleteCommand())
	cmd.AddCommand(newBoxStepsCommand())
	cmd.AddCommand(newBoxPlanCommand())

	return cmd
}

func newBoxCreateCommand() *cobra.Command {
	var skills []string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new box",
		Example: `  # Create a box with git and node installed on deploy
  froyobox box create dev --skill git --skill node`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			box, err := c.CreateBox(cmd.Context(), args[0], skills)
			if err != nil {
				return err
			}
			return printBox(box)
		},
	}

	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skill to install (repeatable)")

	return cmd
}

func newBoxListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your boxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.ListBoxes(cmd.Context())
			if err != nil {
				return err
			}
			return printBoxes(list)
		},
	}
}

func newBoxGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <box-id>",
		Short: "Show a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			box, err := c.GetBox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBox(box)
		},
	}
}

func newBoxDeployCommand() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy <box-id>",
		Short: "Deploy or retry a box",
		Long: `Start a deployment attempt for a pending box, or retry a box in error.

A retry starts a new attempt; the step ledger of earlier attempts is kept.
With --wait the command follows the box until it is running or failed and
prints the ledger of the attempt.`,
		Example: `  # Deploy and follow progress
  froyobox box deploy 3f1c... --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := newClient()
			if err != nil {
				return err
			}

			box, err := c.DeployBox(ctx, args[0])
			if err != nil {
				return err
			}
			if !wait {
				return printBox(box)
			}

			if !jsonOutput {
				fmt.Printf("Deploying %s (attempt %d)...\n", box.Name, box.DeploymentAttempt)
			}
			box, err = c.WaitForBox(ctx, box.ID, interval)
			if err != nil {
				return err
			}
			steps, err := c.Steps(ctx, box.ID, box.DeploymentAttempt)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(map[string]interface{}{"box": box, "steps": steps}); err != nil {
					return err
				}
			} else {
				if err := printSteps(steps); err != nil {
					return err
				}
				fmt.Println()
				if err := printBox(box); err != nil {
					return err
				}
			}

			if box.Status != engine.BoxStatusRunning {
				return fmt.Errorf("deployment ended with status %s", box.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the deployment to finish")
	cmd.Flags().DurationVar(&interval, "poll-interval", 2*time.Second, "status poll interval with --wait")

	return cmd
}

func newBoxDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <box-id>",
		Short: "Delete a box and its instance",
		Long: `Mark a box deleted, cancel any deployment in flight, remove its cronjobs
and tear down its instance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			box, err := c.DeleteBox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(box)
			}
			fmt.Printf("✓ Deleted box %s (%s)\n", box.Name, box.ID)
			return nil
		},
	}
}

func newBoxStepsCommand() *cobra.Command {
	var attempt int

	cmd := &cobra.Command{
		Use:   "steps <box-id>",
		Short: "Show the deploy step ledger of a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			steps, err := c.Steps(cmd.Context(), args[0], attempt)
			if err != nil {
				return err
			}
			return printSteps(steps)
		},
	}

	cmd.Flags().IntVar(&attempt, "attempt", 0, "only show this attempt (default: all)")

	return cmd
}

func newBoxPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <box-id>",
		Short: "Print the deploy DAG of the next attempt in DOT format",
		Example: `  froyobox box plan 3f1c... | dot -Tsvg > plan.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			dot, err := c.Plan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(dot)
			return nil
		},
	}
}
