// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// SkipReason explains why SyncOnce did nothing.
type SkipReason string

const (
	SkipOffline    SkipReason = "offline"
	SkipDisabled   SkipReason = "disabled"
	SkipInProgress SkipReason = "in_progress"
)

// SyncResult is the outcome of one SyncOnce call.
type SyncResult struct {
	Skipped  bool          `json:"skipped"`
	Reason   SkipReason    `json:"reason,omitempty"`
	Push     PushResult    `json:"push"`
	Pull     PullResult    `json:"pull"`
	Duration time.Duration `json:"duration"`
}

// SyncOrchestrator runs push-then-pull passes under a single-flight guard,
// tracks online/offline state and drives the periodic loop.
type SyncOrchestrator struct {
	replica *Replica
	push    *PushEngine
	pull    *PullEngine
	logger  *slog.Logger

	online             atomic.Bool
	inProgress         atomic.Bool
	offlineModeEnabled atomic.Bool

	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

// NewSyncOrchestrator creates an orchestrator. It starts online.
func NewSyncOrchestrator(ctx context.Context, replica *Replica, remote lwwdocs.DocumentStore) (*SyncOrchestrator, error) {
	o := &SyncOrchestrator{
		replica: replica,
		push:    NewPushEngine(replica, remote),
		pull:    NewPullEngine(replica, remote),
		logger:  replica.logger,
	}
	o.online.Store(true)

	enabled, err := replica.Meta.OfflineModeEnabled(ctx)
	if err != nil {
		return nil, err
	}
	o.offlineModeEnabled.Store(enabled)
	return o, nil
}

// State returns the current sync state.
func (o *SyncOrchestrator) State() SyncState {
	return SyncState{
		Online:             o.online.Load(),
		SyncInProgress:     o.inProgress.Load(),
		OfflineModeEnabled: o.offlineModeEnabled.Load(),
	}
}

// SetOnline records connectivity. Passes are skipped while offline.
func (o *SyncOrchestrator) SetOnline(online bool) {
	if o.online.Swap(online) != online {
		o.logger.Info("Connectivity changed", "online", online)
		o.replica.Notifier.syncStateChanged(o.State())
	}
}

// SetOfflineModeEnabled persists the offline mode switch and publishes the
// new state.
func (o *SyncOrchestrator) SetOfflineModeEnabled(ctx context.Context, enabled bool) error {
	if err := o.replica.Meta.SetOfflineModeEnabled(ctx, enabled); err != nil {
		return err
	}
	if o.offlineModeEnabled.Swap(enabled) != enabled {
		o.replica.Notifier.syncStateChanged(o.State())
	}
	return nil
}

// SyncOnce runs one push pass followed by one pull pass. It returns a
// skipped result without touching the remote store when offline, when
// offline mode is disabled, or when another pass is running.
func (o *SyncOrchestrator) SyncOnce(ctx context.Context) (SyncResult, error) {
	if !o.online.Load() {
		return SyncResult{Skipped: true, Reason: SkipOffline}, nil
	}

	enabled, err := o.replica.Meta.OfflineModeEnabled(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	o.offlineModeEnabled.Store(enabled)
	if !enabled {
		return SyncResult{Skipped: true, Reason: SkipDisabled}, nil
	}

	if !o.inProgress.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true, Reason: SkipInProgress}, nil
	}
	started := time.Now()
	defer func() {
		o.inProgress.Store(false)
		o.replica.Notifier.syncStateChanged(o.State())
	}()
	o.replica.Notifier.syncStateChanged(o.State())

	var res SyncResult
	res.Push, err = o.push.PushAll(ctx)
	if err != nil {
		res.Duration = time.Since(started)
		return res, fmt.Errorf("push failed: %w", err)
	}
	res.Pull, err = o.pull.PullAll(ctx)
	res.Duration = time.Since(started)
	if err != nil {
		return res, fmt.Errorf("pull failed: %w", err)
	}
	return res, nil
}

// StartLoop calls SyncOnce every interval until StopLoop is called or ctx
// is done. Errors are logged and never stop the loop.
func (o *SyncOrchestrator) StartLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", interval)
	}
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if o.loopStop != nil {
		return ErrLoopRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	o.loopStop, o.loopDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		o.logger.Info("Sync loop started", "interval", interval)
		for {
			select {
			case <-stop:
				o.logger.Info("Sync loop stopped")
				return
			case <-ctx.Done():
				o.logger.Info("Sync loop context done", "error", ctx.Err())
				o.loopMu.Lock()
				if o.loopStop == stop {
					o.loopStop, o.loopDone = nil, nil
				}
				o.loopMu.Unlock()
				return
			case <-ticker.C:
				o.runLoopPass(ctx)
			}
		}
	}()
	return nil
}

func (o *SyncOrchestrator) runLoopPass(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("Sync pass panicked", "panic", rec)
		}
	}()
	res, err := o.SyncOnce(ctx)
	if err != nil {
		o.logger.Error("Sync pass failed", "error", err)
		return
	}
	if res.Skipped {
		o.logger.Debug("Sync pass skipped", "reason", res.Reason)
	}
}

// StopLoop stops scheduling passes and waits for a pass already running in
// the loop to finish. It is a no-op when no loop is running.
func (o *SyncOrchestrator) StopLoop() {
	o.loopMu.Lock()
	stop, done := o.loopStop, o.loopDone
	o.loopStop, o.loopDone = nil, nil
	o.loopMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
