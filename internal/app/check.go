package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"cronwheel/internal/config"
	"cronwheel/internal/pattern"
)

// Check validates the config at cfgPath and writes the next n fire times of
// every enabled job to w.
func Check(cfgPath string, n int, now time.Time, w io.Writer) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	eval := pattern.NewCronEvaluator(loc)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSCHEDULE\tNEXT")
	for _, j := range cfg.Jobs {
		if j.Disabled {
			continue
		}
		spec, err := pattern.Normalize(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		times := eval.Preview(spec.Expr, now, n)
		next := make([]string, 0, len(times))
		for _, t := range times {
			next = append(next, t.In(loc).Format(time.RFC3339))
		}
		if len(next) == 0 {
			next = append(next, "never")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", strings.TrimSpace(j.Name), spec.Expr, strings.Join(next, ", "))
	}
	return tw.Flush()
}
