// services/iotserver/cmd/replay.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	replayDeviceID    string
	replayKind        string
	replaySince       string
	replayLimit       int
	replayDryRun      bool
	replayConcurrency int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay dead-lettered MQTT messages",
	Long: `Feeds messages from the dead-letter log back through ingestion. Messages that are
ingested successfully are removed from the log; failures stay for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay()
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayDeviceID, "device", "d", "", "Only replay messages of this device id")
	replayCmd.Flags().StringVarP(&replayKind, "kind", "k", "", "Only replay this message kind (data or heartbeat)")
	replayCmd.Flags().StringVarP(&replaySince, "since", "s", "", "Only replay messages dead-lettered after this time (RFC3339)")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "l", 1000, "Maximum number of messages to process")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Show what would be replayed without ingesting")
	replayCmd.Flags().IntVar(&replayConcurrency, "concurrency", 4, "Number of concurrent workers")
}

func runReplay() error {
	logger.Info("Starting dead letter replay...")

	criteria := ReplayCriteria{
		DeviceID: replayDeviceID,
		Kind:     replayKind,
		Limit:    replayLimit,
	}
	if replaySince != "" {
		t, err := time.Parse(time.RFC3339, replaySince)
		if err != nil {
			return fmt.Errorf("invalid since time format: %w", err)
		}
		criteria.Since = &t
	}

	deadLetter, err := infrastructure.NewDeadLetterLog(cfg.Storage.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead letter log: %w", err)
	}
	defer deadLetter.Close()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	replayer := &DeadLetterReplayer{
		log:         deadLetter,
		ingest:      core.NewIngestHandlers(rt.services, logger),
		topicPrefix: cfg.MQTT.TopicPrefix,
		logger:      logger,
		dryRun:      replayDryRun,
		concurrency: replayConcurrency,
	}

	stats, err := replayer.Replay(context.Background(), criteria)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
		"skipped":         stats.Skipped,
		"dry_run":         replayDryRun,
	}).Info("Replay completed")

	if stats.Failed > 0 {
		logger.Warnf("Failed to replay %d messages", stats.Failed)
	}
	return nil
}

// ReplayCriteria selects dead-lettered messages.
type ReplayCriteria struct {
	DeviceID string
	Kind     string
	Since    *time.Time
	Limit    int
}

// ReplayStats contains statistics about a replay run
type ReplayStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Skipped        int
}

// DeadLetterReplayer re-ingests dead-lettered messages.
type DeadLetterReplayer struct {
	log         *infrastructure.DeadLetterLog
	ingest      *core.IngestHandlers
	topicPrefix string
	logger      *logrus.Logger
	dryRun      bool
	concurrency int
}

// Replay processes the entries matching criteria and drops the successful ones from the log.
func (r *DeadLetterReplayer) Replay(ctx context.Context, criteria ReplayCriteria) (*ReplayStats, error) {
	stats := &ReplayStats{}

	entries, err := r.log.ReadAll()
	if err != nil {
		return stats, fmt.Errorf("failed to read dead letters: %w", err)
	}

	var selected []infrastructure.DeadLetterEntry
	for _, entry := range entries {
		if criteria.Limit > 0 && len(selected) >= criteria.Limit {
			break
		}
		if !r.matches(entry, criteria) {
			stats.Skipped++
			continue
		}
		selected = append(selected, entry)
	}
	stats.TotalProcessed = len(selected)
	r.logger.Infof("Found %d messages to replay", len(selected))

	if r.dryRun {
		r.logger.Info("DRY RUN: No messages will be ingested")
		for i, entry := range selected {
			if i >= 10 {
				r.logger.Infof("... and %d more messages", len(selected)-10)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"id":        entry.ID,
				"topic":     entry.Topic,
				"error":     entry.Error,
				"failed_at": entry.Timestamp,
			}).Info("Would replay message")
		}
		return stats, nil
	}

	concurrency := r.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		replayed = make(map[string]bool)
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, entry := range selected {
		entry := entry
		g.Go(func() error {
			ok := r.processEntry(ctx, entry)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				stats.Successful++
				replayed[entry.ID] = true
			} else {
				stats.Failed++
			}
			return nil
		})
	}
	g.Wait()

	if len(replayed) > 0 {
		if err := r.log.Retain(func(e infrastructure.DeadLetterEntry) bool { return !replayed[e.ID] }); err != nil {
			return stats, fmt.Errorf("failed to compact dead letter log: %w", err)
		}
	}
	return stats, nil
}

func (r *DeadLetterReplayer) matches(entry infrastructure.DeadLetterEntry, criteria ReplayCriteria) bool {
	if criteria.Since != nil && entry.Timestamp.Before(*criteria.Since) {
		return false
	}
	if criteria.DeviceID == "" && criteria.Kind == "" {
		return true
	}

	topic, err := infrastructure.ParseTopic(r.topicPrefix, entry.Topic)
	if err != nil {
		return false
	}
	if criteria.DeviceID != "" && topic.DeviceID != criteria.DeviceID {
		return false
	}
	if criteria.Kind != "" && !strings.EqualFold(topic.Kind, criteria.Kind) {
		return false
	}
	return true
}

func (r *DeadLetterReplayer) processEntry(ctx context.Context, entry infrastructure.DeadLetterEntry) bool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := r.ingest.Route(ctx, r.topicPrefix, entry.Topic, []byte(entry.Payload)); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"id":    entry.ID,
			"topic": entry.Topic,
		}).Error("Failed to replay message")
		return false
	}

	r.logger.WithFields(logrus.Fields{
		"id":    entry.ID,
		"topic": entry.Topic,
	}).Debug("Message replayed successfully")
	return true
}
