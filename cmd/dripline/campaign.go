package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dripline/internal/model"
)

var campaignListLimit int

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignStartCmd = &cobra.Command{
	Use:   "start <campaign_id>",
	Short: "Snapshot recipients and start sending a draft campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStart,
}

var campaignCompleteCmd = &cobra.Command{
	Use:   "complete <campaign_id>",
	Short: "Finalize a campaign whose deliveries are all settled",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignComplete,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignListCmd = &cobra.Command{
	Use:   "list <tenant_id>",
	Short: "List a tenant's campaigns",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignList,
}

func init() {
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(campaignStartCmd, campaignCompleteCmd, campaignShowCmd, campaignListCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignStart(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	c, err := svc.campaigns.StartCampaign(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to start campaign: %w", err)
	}
	fmt.Printf("Campaign %s is %s with %d recipients\n", c.ID, c.Status, c.RecipientCount)
	return nil
}

func runCampaignComplete(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	c, err := svc.campaigns.CompleteCampaign(cmd.Context(), args[0])
	if err != nil {
		if c != nil {
			printCampaign(c)
		}
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	printCampaign(c)
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	c, err := svc.campaigns.GetCampaign(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printCampaign(c)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	list, err := svc.campaigns.ListCampaigns(cmd.Context(), args[0], campaignListLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tRECIPIENTS\tSENT\tFAILED\tBLOCKED\tCREATED")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			c.ID, c.Kind, c.Status, c.RecipientCount, c.SentCount+c.DeliveredCount,
			c.FailedCount, c.BlockedCount, c.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printCampaign(c *model.Campaign) {
	fmt.Printf("ID:         %s\n", c.ID)
	fmt.Printf("Tenant:     %s\n", c.TenantID)
	fmt.Printf("Kind:       %s\n", c.Kind)
	fmt.Printf("Status:     %s\n", c.Status)
	if c.ScheduledAt != nil {
		fmt.Printf("Scheduled:  %s\n", c.ScheduledAt.Format(time.RFC3339))
	}
	if c.StartedAt != nil {
		fmt.Printf("Started:    %s\n", c.StartedAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("Recipients: %d\n", c.RecipientCount)
	fmt.Printf("Sent:       %d\n", c.SentCount)
	fmt.Printf("Delivered:  %d\n", c.DeliveredCount)
	fmt.Printf("Failed:     %d\n", c.FailedCount)
	fmt.Printf("Blocked:    %d\n", c.BlockedCount)
}
