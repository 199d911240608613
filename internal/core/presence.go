// services/iotserver/internal/core/presence.go
package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PresenceSweeper marks online devices offline once they have been silent
// for longer than a threshold. It runs outside the stores; registration,
// heartbeat and upload never demote a device on their own.
type PresenceSweeper struct {
	store   DataStore
	devices *DeviceManagementService
	logger  *logrus.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
	stats    SweepStats
	statsMu  sync.RWMutex
}

type SweepStats struct {
	Runs        uint64    `json:"runs"`
	MarkedStale uint64    `json:"marked_stale"`
	Failed      uint64    `json:"failed"`
	LastRun     time.Time `json:"last_run"`
}

func NewPresenceSweeper(store DataStore, devices *DeviceManagementService, logger *logrus.Logger) *PresenceSweeper {
	return &PresenceSweeper{
		store:    store,
		devices:  devices,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// SweepOnce demotes every online device not seen since now-offlineAfter and
// returns their ids.
func (p *PresenceSweeper) SweepOnce(ctx context.Context, offlineAfter time.Duration) ([]string, error) {
	cutoff := p.store.Now().Add(-offlineAfter)

	ids, err := p.store.MarkStale(ctx, cutoff)
	p.updateStats(func(s *SweepStats) {
		s.Runs++
		s.LastRun = p.store.Now()
		if err != nil {
			s.Failed++
			return
		}
		s.MarkedStale += uint64(len(ids))
	})
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		p.devices.ForgetDevices(ctx, ids...)
		for _, id := range ids {
			p.devices.publish(ctx, TopicDeviceStatusChanged, map[string]interface{}{
				"device_id": id,
				"status":    DeviceStatusOffline,
				"timestamp": cutoff,
			})
		}
		p.logger.WithFields(logrus.Fields{
			"count":  len(ids),
			"cutoff": cutoff,
		}).Info("Marked stale devices offline")
	}
	return ids, nil
}

// Start runs SweepOnce every interval until Stop is called.
func (p *PresenceSweeper) Start(offlineAfter, interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.shutdown:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := p.SweepOnce(ctx, offlineAfter); err != nil {
					p.logger.WithError(err).Error("Presence sweep failed")
				}
				cancel()
			}
		}
	}()

	p.logger.WithFields(logrus.Fields{
		"offline_after": offlineAfter.String(),
		"interval":      interval.String(),
	}).Info("Presence sweeper started")
}

func (p *PresenceSweeper) Stop() {
	p.stopOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
}

func (p *PresenceSweeper) Stats() SweepStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *PresenceSweeper) updateStats(fn func(*SweepStats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	fn(&p.stats)
}
