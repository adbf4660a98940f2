package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Scheduled job commands",
}

var jobsRequeueStaleCmd = &cobra.Command{
	Use:   "requeue-stale",
	Short: "Return stale in_flight jobs and deliveries to pending",
	RunE:  runJobsRequeueStale,
}

var jobsListCmd = &cobra.Command{
	Use:   "list <tenant_id> <recipient_id>",
	Short: "List a recipient's scheduled jobs",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsList,
}

func init() {
	jobsCmd.AddCommand(jobsRequeueStaleCmd, jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsRequeueStale(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	after := svc.cfg.Scheduler.StaleAfter
	jobs, err := svc.funnel.RequeueStale(cmd.Context(), after)
	if err != nil {
		return fmt.Errorf("failed to requeue jobs: %w", err)
	}
	deliveries, err := svc.campaigns.RequeueStale(cmd.Context(), after)
	if err != nil {
		return fmt.Errorf("failed to requeue deliveries: %w", err)
	}

	fmt.Printf("Requeued %d jobs and %d deliveries claimed more than %s ago\n", jobs, deliveries, after)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	jobs, err := svc.funnel.JobsForRecipient(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTEP\tDUE\tSTATUS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.StepID, j.DueAt.Format(time.RFC3339), j.Status, j.Error)
	}
	return w.Flush()
}
