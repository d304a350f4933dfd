package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// adminCmd groups the installation settings commands
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Installation settings commands (use SHORTCUT_ADMIN_TOKEN when set)",
}

// verifyCmd checks the admin token
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the admin token and show the member it belongs to",
	RunE:  runVerify,
}

// backfillCmd adds the helpdesk label to existing stories
var backfillCmd = &cobra.Command{
	Use:   "backfill-labels",
	Short: "Add the helpdesk label to open stories linked from the helpdesk",
	Long: `Add the helpdesk label to every open story whose external links point at
the helpdesk host and that does not carry the label yet. The label is created
when it does not exist.`,
	Example: `  storylink admin backfill-labels --helpdesk-host help.example.com`,
	RunE:    runBackfill,
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(verifyCmd, backfillCmd)

	backfillCmd.Flags().String("helpdesk-host", "", "Host name of the helpdesk, e.g. help.example.com")
	_ = backfillCmd.MarkFlagRequired("helpdesk-host")
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		member, err := a.manager.VerifySettings(ctx)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), member)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Admin token belongs to %s (@%s)\n", member.Name, member.MentionName)
		return nil
	})
}

func runBackfill(cmd *cobra.Command, args []string) error {
	helpdeskHost, _ := cmd.Flags().GetString("helpdesk-host")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.manager.BackfillHelpdeskLabels(ctx, helpdeskHost)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		if res.LabelCreated {
			_, _ = fmt.Fprintf(out, "🏷️  Created label %q\n", res.Label.Name)
		}
		_, _ = fmt.Fprintln(out, res.Message())
		return nil
	})
}
