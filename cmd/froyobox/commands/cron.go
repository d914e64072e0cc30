package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyobox/pkg/cronjobs"
)

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage box cronjobs",
		Long: `Manage recurring commands that run inside a box.

Schedules are standard 5-field cron expressions or descriptors such as
@hourly, evaluated in the cronjob's timezone. A run on a box that is not
running is recorded as failed.`,
	}

	cmd.AddCommand(newCronCreateCommand())
	cmd.AddCommand(newCronListCommand())
	cmd.AddCommand(newCronUpdateCommand())
	cmd.AddCommand(newCronToggleCommand())
	cmd.AddCommand(newCronDeleteCommand())
	cmd.AddCommand(newCronRunsCommand())

	return cmd
}

func newCronCreateCommand() *cobra.Command {
	var (
		req      cronjobs.CreateRequest
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "create <box-id> <name>",
		Short: "Add a cronjob to a box",
		Example: `  # Nightly backup at 03:00 Amsterdam time
  froyobox cron create 3f1c... backup --schedule "0 3 * * *" --timezone Europe/Amsterdam --command "/workspace/backup.sh"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			req.Name = args[1]
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}
			cj, err := c.CreateCronjob(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printCronjob(cj)
		},
	}

	cmd.Flags().StringVar(&req.Schedule, "schedule", "", "cron expression (required)")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "UTC", "IANA timezone of the schedule")
	cmd.Flags().StringVar(&req.Command, "command", "", "shell command to run (required)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the cronjob disabled")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("command")

	return cmd
}

func newCronListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <box-id>",
		Short: "List the cronjobs of a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.ListCronjobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCronjobs(list)
		},
	}
}

func newCronUpdateCommand() *cobra.Command {
	var name, schedule, timezone, command string

	cmd := &cobra.Command{
		Use:   "update <cronjob-id>",
		Short: "Change a cronjob",
		Long:  `Change the flags that are given; everything else is kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req cronjobs.UpdateRequest
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("schedule") {
				req.Schedule = &schedule
			}
			if flags.Changed("timezone") {
				req.Timezone = &timezone
			}
			if flags.Changed("command") {
				req.Command = &command
			}
			if req == (cronjobs.UpdateRequest{}) {
				return fmt.Errorf("nothing to update: set at least one of --name, --schedule, --timezone, --command")
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			cj, err := c.UpdateCronjob(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printCronjob(cj)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "new cron expression")
	cmd.Flags().StringVar(&timezone, "timezone", "", "new timezone")
	cmd.Flags().StringVar(&command, "command", "", "new command")

	return cmd
}

func newCronToggleCommand() *cobra.Command {
	var off bool

	cmd := &cobra.Command{
		Use:   "toggle <cronjob-id>",
		Short: "Enable or disable a cronjob",
		Example: `  froyobox cron toggle 9a2e...        # enable
  froyobox cron toggle 9a2e... --off  # disable`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			cj, err := c.ToggleCronjob(cmd.Context(), args[0], !off)
			if err != nil {
				return err
			}
			return printCronjob(cj)
		},
	}

	cmd.Flags().BoolVar(&off, "off", false, "disable instead of enable")

	return cmd
}

func newCronDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cronjob-id>",
		Short: "Delete a cronjob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteCronjob(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("✓ Deleted cronjob %s\n", args[0])
			}
			return nil
		},
	}
}

func newCronRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <cronjob-id>",
		Short: "Show recent executions of a cronjob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			runs, err := c.CronjobRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printRuns(runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	return cmd
}
