package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/runwatch/runwatch/internal/model"
)

// WriteRunTable renders runs as an aligned text table, newest first as
// returned by the daemon.
func WriteRunTable(w io.Writer, runs []model.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMACHINE\tCATEGORY\tSTARTED\tLAST SEEN\tEXIT\tTRIGGERS\tCOMMAND")
	for _, run := range runs {
		exit := "-"
		if run.ExitCode != nil {
			exit = strconv.Itoa(*run.ExitCode)
		}
		triggers := "-"
		if len(run.Triggers) > 0 {
			names := make([]string, 0, len(run.Triggers))
			for _, hit := range run.Triggers {
				names = append(names, hit.Name)
			}
			triggers = strings.Join(names, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.RunID,
			run.Machine,
			run.Category,
			run.StartedAt.Local().Format(time.DateTime),
			age(run.LastSeenAt),
			exit,
			triggers,
			truncate(run.Command, 60),
		)
	}
	_ = tw.Flush()
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
