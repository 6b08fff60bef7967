package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/bivouac/internal/config"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/output"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaigns",
	Long: `Manage campaign definitions.

A campaign is a reusable template: a source repository, a runtime
duration, and environment variables handed to every instance.`,
}

func init() {
	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignListCmd)

	campaignListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	campaignListCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create <campaign.yaml>",
	Short: "Create a campaign from a definition file",
	Long: `Create a campaign from a YAML definition file.

Example definition:
  name: nightly
  source: https://git.example.com/payload.git
  duration_minutes: 60
  environment:
    - key: TARGET
      value: internal`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cf, err := config.LoadCampaignFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := ledger.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		campaign, err := store.CreateCampaign(cf.Name, cf.Source, cf.DurationMinutes)
		if err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}

		for _, env := range cf.Environment {
			variable, err := store.AddVariable(env.Key, env.Value)
			if err != nil {
				return fmt.Errorf("failed to add variable %s: %w", env.Key, err)
			}
			if err := store.AttachVariable(campaign.ID, variable.ID); err != nil {
				return fmt.Errorf("failed to attach variable %s: %w", env.Key, err)
			}
		}

		fmt.Printf("✓ Campaign %q created with ID %d (%d variable(s))\n", campaign.Name, campaign.ID, len(cf.Environment))
		return nil
	},
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := ledger.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		campaigns, err := store.ListCampaigns()
		if err != nil {
			return fmt.Errorf("failed to list campaigns: %w", err)
		}

		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(outputFormat),
			NoHeaders: noHeaders,
		})
		if err != nil {
			return err
		}

		result, err := formatter.FormatCampaigns(campaigns)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		fmt.Print(result)
		return nil
	},
}
