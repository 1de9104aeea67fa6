package simulate

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"rerunner/internal/retry"
	"rerunner/internal/runner"
	"rerunner/internal/utils"
)

var (
	passedColor = color.New(color.FgGreen, color.Bold)
	failedColor = color.New(color.FgRed, color.Bold)
	faintColor  = color.New(color.Faint)
)

// WriteReport 输出每个用例、每个元组的计数表和期望核对结果
// 是否着色由 color.NoColor 决定（非终端输出时自动关闭）
func WriteReport(w io.Writer, res *Result) error {
	name := res.Scenario.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "Scenario %s: %d case(s)\n\n", name, len(res.Cases))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tTUPLE\tVERDICT\tSTARTED\tPASSED\tABORTED\tFAILED\tSKIPPED\tDURATION\tREASON")

	var total runner.Counts
	for _, c := range res.Cases {
		counts := c.Counts()
		total.Started += counts.Started
		total.Passed += counts.Passed
		total.Aborted += counts.Aborted
		total.Failed += counts.Failed
		total.Skipped += counts.Skipped

		reason := ""
		switch {
		case c.Err != nil:
			reason = c.Err.Error()
		case len(c.Tuples) == 1:
			reason = c.Tuples[0].Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			c.Name, "*", verdictText(c.Verdict),
			counts.Started, counts.Passed, counts.Aborted, counts.Failed, counts.Skipped,
			utils.FormatDuration(c.Duration()), reason)

		// 非参数化用例只有一个空元组，不再单独列出
		if len(c.Tuples) == 0 || (len(c.Tuples) == 1 && c.Tuples[0].Arguments.Len() == 0) {
			continue
		}
		for _, t := range c.Tuples {
			var tc runner.Counts
			var elapsed time.Duration
			for _, rec := range t.Attempts {
				tc.Add(rec.Status)
				elapsed += rec.Duration
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
				"", fmt.Sprintf("[%d] %s", t.Index, t.Arguments), verdictText(t.Verdict()),
				tc.Started, tc.Passed, tc.Aborted, tc.Failed, tc.Skipped,
				utils.FormatDuration(elapsed), faintColor.Sprint(t.Reason))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nAttempts: %d started, %d passed, %d aborted, %d failed, %d skipped (%s retried)\n",
		total.Started, total.Passed, total.Aborted, total.Failed, total.Skipped,
		utils.FormatPercentage(int64(total.Aborted), int64(total.Started)))

	if len(res.Mismatches) == 0 {
		fmt.Fprintln(w, passedColor.Sprint("Expectations: all met"))
		return nil
	}
	fmt.Fprintln(w, failedColor.Sprintf("Expectations: %d mismatch(es)", len(res.Mismatches)))
	for _, m := range res.Mismatches {
		fmt.Fprintf(w, "  - %s\n", m)
	}
	return nil
}

func verdictText(v retry.Verdict) string {
	if v == retry.VerdictPassed {
		return passedColor.Sprint(v.String())
	}
	return failedColor.Sprint(v.String())
}
