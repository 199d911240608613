package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sweepOfflineAfter time.Duration
	sweepDryRun       bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark silent devices offline",
	Long: `Runs the presence sweep once: every online device whose last_seen is older than
--offline-after is set offline. last_seen itself is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().DurationVar(&sweepOfflineAfter, "offline-after", 0, "Silence threshold (defaults to presence.offline_after)")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List the devices that would be marked offline without changing them")
}

func runSweep() error {
	offlineAfter := sweepOfflineAfter
	if offlineAfter == 0 {
		offlineAfter = cfg.Presence.OfflineAfter
	}
	if offlineAfter <= 0 {
		return fmt.Errorf("an offline threshold is required: set --offline-after or presence.offline_after")
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if sweepDryRun {
		return previewSweep(ctx, rt.services, offlineAfter)
	}

	ids, err := rt.services.Presence.SweepOnce(ctx, offlineAfter)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"offline_after": offlineAfter.String(),
		"marked":        len(ids),
		"devices":       ids,
	}).Info("Sweep completed")
	return nil
}

func previewSweep(ctx context.Context, services *core.ServiceRegistry, offlineAfter time.Duration) error {
	online, err := services.DeviceManagement.ListDevices(ctx, core.DeviceFilter{Status: core.DeviceStatusOnline})
	if err != nil {
		return err
	}

	cutoff := services.Store.Now().Add(-offlineAfter)
	stale := 0
	for _, d := range online {
		if d.LastSeen != nil && !d.LastSeen.Before(cutoff) {
			continue
		}
		stale++
		logger.WithFields(logrus.Fields{
			"device_id": d.DeviceID,
			"last_seen": d.LastSeen,
		}).Info("DRY RUN: would mark offline")
	}

	logger.WithFields(logrus.Fields{
		"online": len(online),
		"stale":  stale,
	}).Info("DRY RUN: no devices were changed")
	return nil
}
