package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/faults"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/naming"
	"github.com/jbweber/bivouac/internal/output"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage campaign runs",
}

func init() {
	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runShowCmd)

	runListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	runListCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	runShowCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
}

var runStartCmd = &cobra.Command{
	Use:   "start <campaign-id>",
	Short: "Start a new run of a campaign",
	Long: `Provision and boot a new run of the given campaign.

The command returns once the instance is running and its shutdown is
scheduled. The serve daemon must be running for the shutdown and
cleanup steps to fire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		campaignID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid campaign ID %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, _, orch, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		run, err := orch.StartRun(context.Background(), campaignID)
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}

		fmt.Printf("✓ Run %d (%s) started\n", run.ID, run.UUID)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list [campaign-id]",
	Short: "List runs",
	Long:  `List runs, newest first, optionally filtered to one campaign.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}

		var campaignID int64
		if len(args) == 1 {
			parsed, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign ID %q", args[0])
			}
			campaignID = parsed
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

		runs, err := store.ListRuns(campaignID)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(outputFormat),
			NoHeaders: noHeaders,
		})
		if err != nil {
			return err
		}

		result, err := formatter.FormatRuns(runs)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		fmt.Print(result)
		return nil
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id|uuid>",
	Short: "Show one run's instance details",
	Long: `Show a single run joined with its instance record and, when the
domain is still defined at the hypervisor, the metadata stored on it.

The run may be named by its ledger ID or by its UUID.`,
	Args: cobra.ExactArgs(1),
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

		var run *ledger.Run
		if id, parseErr := strconv.ParseInt(args[0], 10, 64); parseErr == nil {
			run, err = store.GetRun(id)
		} else {
			run, err = store.GetRunByUUID(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to load run %q: %w", args[0], err)
		}

		campaign, err := store.GetCampaign(run.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to load campaign %d: %w", run.CampaignID, err)
		}

		detail := &output.RunDetail{Run: run, Campaign: campaign}

		instance, err := store.GetInstance(run.ID)
		switch {
		case err == nil:
			detail.Instance = instance
		case !faults.IsKind(err, faults.KindNotFound):
			return fmt.Errorf("failed to load instance of run %d: %w", run.ID, err)
		}

		// The domain is consulted best-effort: a cleaned run has none,
		// and an unreachable hypervisor must not hide the ledger rows.
		connector := domain.SocketConnector(cfg.LibvirtSocket, cfg.LibvirtTimeout)
		controller := domain.NewController(connector, cfg.PoolName, cfg.PoolPath)
		meta, active, err := controller.InstanceInfo(context.Background(), naming.DomainName(run.UUID))
		if err == nil {
			detail.Domain = &meta
			detail.DomainActive = active
		}

		formatter, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat)})
		if err != nil {
			return err
		}

		result, err := formatter.FormatRunDetail(detail)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		fmt.Print(result)
		return nil
	},
}
