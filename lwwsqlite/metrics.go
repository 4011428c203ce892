// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"time"
)

// Operations and stages reported through StageMetricsRecorder. Push stages
// are timed once per queue operation, pull stages once per collection.
const (
	MetricsOpPush = "push"
	MetricsOpPull = "pull"

	MetricsStageTotal     = "total"
	MetricsStageRemoteGet = "remote_get"
	MetricsStageRemoteSet = "remote_set"
	MetricsStageApply     = "apply"
	MetricsStageFetch     = "fetch"
	MetricsStageScan      = "scan_fallback"
	MetricsStageCollApply = "collection_apply"
)

// StageTiming is one measured stage of a push or pull pass. Count is the
// number of documents or operations the stage handled and Attempt the queue
// attempt number (zero for pull stages).
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Failed    bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer measures a single stage. The zero value records nothing, which
// is what startStage hands out when neither a recorder nor timing logs are
// configured.
type stageTimer struct {
	replica *Replica
	timing  StageTiming
	start   time.Time
}

func (r *Replica) startStage(op, stage string) stageTimer {
	if r.config.StageMetrics == nil && !r.config.LogStageTimings {
		return stageTimer{}
	}
	return stageTimer{
		replica: r,
		timing:  StageTiming{Operation: op, Stage: stage},
		start:   time.Now(),
	}
}

func (t stageTimer) stop(ctx context.Context, count, attempt int, failed bool) {
	if t.replica == nil {
		return
	}
	st := t.timing
	st.Duration = time.Since(t.start)
	st.Count, st.Attempt, st.Failed = count, attempt, failed

	cfg := t.replica.config
	if cfg.StageMetrics != nil {
		cfg.StageMetrics.ObserveStage(ctx, st)
	}
	if cfg.LogStageTimings {
		t.replica.logger.Debug("Stage timing", "op", st.Operation, "stage", st.Stage,
			"duration", st.Duration, "count", st.Count, "attempt", st.Attempt, "failed", st.Failed)
	}
}
