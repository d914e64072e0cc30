package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return w
}

func printBoxes(list []*engine.Box) error {
	if jsonOutput {
		return printJSON(list)
	}
	w := newTable("ID", "NAME", "STATUS", "ATTEMPT", "SUBDOMAIN", "URL")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			b.ID, b.Name, b.Status, b.DeploymentAttempt, b.Subdomain, dash(b.InstanceURL))
	}
	return w.Flush()
}

func printBox(b *engine.Box) error {
	if jsonOutput {
		return printJSON(b)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", b.ID)
	fmt.Fprintf(w, "Name:\t%s\n", b.Name)
	fmt.Fprintf(w, "Status:\t%s\n", b.Status)
	fmt.Fprintf(w, "Attempt:\t%d\n", b.DeploymentAttempt)
	fmt.Fprintf(w, "Subdomain:\t%s\n", b.Subdomain)
	fmt.Fprintf(w, "Provider:\t%s\n", b.Provider)
	fmt.Fprintf(w, "Skills:\t%s\n", dash(strings.Join(b.Skills, ", ")))
	fmt.Fprintf(w, "URL:\t%s\n", dash(b.InstanceURL))
	if b.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:\t%s\n", *b.ErrorMessage)
	}
	fmt.Fprintf(w, "Created:\t%s\n", b.CreatedAt.Format(time.RFC3339))
	return w.Flush()
}

func printSteps(steps []*engine.DeployStep) error {
	if jsonOutput {
		return printJSON(steps)
	}
	w := newTable("ATTEMPT", "ORDER", "STEP", "STATUS", "DURATION", "MESSAGE")
	for _, s := range steps {
		duration := "-"
		if d := s.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		msg := ""
		if s.Message != nil {
			msg = *s.Message
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			s.DeploymentAttempt, s.Order, s.StepKey, s.Status, duration, dash(msg))
	}
	return w.Flush()
}

func printCronjobs(list []*engine.Cronjob) error {
	if jsonOutput {
		return printJSON(list)
	}
	w := newTable("ID", "NAME", "SCHEDULE", "TIMEZONE", "ENABLED", "NEXT RUN", "COMMAND")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			c.ID, c.Name, c.Schedule, c.Timezone, c.Enabled, formatTime(c.NextRunAt), c.Command)
	}
	return w.Flush()
}

func printCronjob(c *engine.Cronjob) error {
	return printCronjobs([]*engine.Cronjob{c})
}

func printRuns(runs []*engine.CronjobExecution) error {
	if jsonOutput {
		return printJSON(runs)
	}
	w := newTable("ID", "STATUS", "EXIT", "DURATION", "STARTED", "ERROR")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		errMsg := ""
		if r.Error != nil {
			errMsg = *r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, exit, (time.Duration(r.DurationMS) * time.Millisecond).String(),
			r.StartedAt.Format(time.RFC3339), dash(errMsg))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
