package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dripline/internal/app"
	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/ratelimit"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Tenant send quota commands",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [tenant_id...]",
	Short: "Show configured quotas and current usage",
	Long:  `Show configured quotas. Usage is read from the counter file, so stop the server first or the file stays locked.`,
	RunE:  runQuotaShow,
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rl := cfg.RateLimit

	fmt.Println("Tenant Quotas")
	fmt.Println("=============")
	fmt.Printf("Enabled: %v\n\n", rl.Enabled)

	if !rl.Enabled {
		fmt.Println("Quotas are disabled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "-----\t-------------\t------------")
	printLimit(w, "Global", rl.Global)
	printLimit(w, "Per Tenant", rl.DefaultTenant)
	for tenant, l := range rl.Tenants {
		printLimit(w, "Tenant "+tenant, l)
	}
	w.Flush()

	limiter, db, err := app.OpenQuotas(rl, clock.Real{})
	if err != nil {
		return err
	}
	defer db.Close()
	defer limiter.Stop()

	fmt.Println("\nCurrent Usage:")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tHOUR\tDAY\tNEXT SEND")

	global, err := limiter.GetStats(cmd.Context(), ratelimit.LevelGlobal, "global")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "global\t%d\t%d\t-\n", global.HourlyCount, global.DailyCount)

	for _, tenant := range args {
		st, err := limiter.GetStats(cmd.Context(), ratelimit.LevelTenant, tenant)
		if err != nil {
			return err
		}
		res, err := limiter.Check(cmd.Context(), tenant)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", tenant, st.HourlyCount, st.DailyCount, verdict(res))
	}
	return w.Flush()
}

// verdict describes whether the next send for a tenant would pass its quota
func verdict(res *ratelimit.Result) string {
	if res.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied by %s %s, retry in %s", res.DeniedBy, res.DeniedKey, res.RetryAfter.Round(time.Second))
}

func printLimit(w *tabwriter.Writer, scope string, l *config.LimitValues) {
	if l == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", scope)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%d\n", scope, l.MessagesPerHour, l.MessagesPerDay)
}
