// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// PullResult summarizes one pull pass.
type PullResult struct {
	Collections   int   `json:"collections"`
	Fetched       int   `json:"fetched"`
	Applied       int   `json:"applied"`
	Skipped       int   `json:"skipped"` // newer unsynced local edits kept
	Invalid       int   `json:"invalid"` // malformed remote documents ignored
	Failed        int   `json:"failed"`  // collections that errored
	FallbackScans int   `json:"fallbackScans"`
	Cursor        int64 `json:"cursor"` // cursor after the pass
}

// PullEngine merges remote changes newer than the cursor into the replica.
type PullEngine struct {
	replica *Replica
	remote  lwwdocs.DocumentStore
	logger  *slog.Logger
}

// NewPullEngine creates a pull engine for replica against remote.
func NewPullEngine(replica *Replica, remote lwwdocs.DocumentStore) *PullEngine {
	return &PullEngine{replica: replica, remote: remote, logger: replica.logger}
}

// PullAll pulls every sync-enabled collection. Collection failures are
// isolated. The cursor moves to the largest UpdatedAt seen only after all
// collections were processed, and not at all if any collection failed, so
// a crash or error never makes a later pull skip a remote change.
func (p *PullEngine) PullAll(ctx context.Context) (PullResult, error) {
	var res PullResult
	total := p.replica.startStage(MetricsOpPull, MetricsStageTotal)

	cursor, err := p.replica.Meta.LastSyncAt(ctx)
	if err != nil {
		return res, err
	}
	res.Cursor = cursor
	maxSeen := cursor

	for _, entity := range p.replica.entities.synced() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Collections++

		seen, err := p.pullCollection(ctx, entity, cursor, &res)
		if seen > maxSeen {
			maxSeen = seen
		}
		if err != nil {
			res.Failed++
			p.logger.Warn("Pull failed for collection", "entity", entity, "cursor", cursor, "error", err)
		}
	}

	switch {
	case res.Failed > 0:
		p.logger.Warn("Pull cursor not advanced", "failed_collections", res.Failed, "cursor", cursor)
	case maxSeen > cursor:
		if err := p.replica.Meta.SetLastSyncAt(ctx, maxSeen); err != nil {
			return res, fmt.Errorf("failed to persist pull cursor: %w", err)
		}
		res.Cursor = maxSeen
	}

	total.stop(ctx, res.Fetched, 0, res.Failed > 0)
	if res.Fetched > 0 {
		p.logger.Info("Pull pass finished", "fetched", res.Fetched, "applied", res.Applied,
			"skipped", res.Skipped, "cursor", res.Cursor)
	}
	return res, nil
}

func (p *PullEngine) pullCollection(ctx context.Context, entity Entity, cursor int64, res *PullResult) (int64, error) {
	docs, err := p.fetch(ctx, entity, cursor, res)
	if err != nil {
		return cursor, err
	}
	res.Fetched += len(docs)

	stage := p.replica.startStage(MetricsOpPull, MetricsStageCollApply)
	maxSeen := cursor
	for _, doc := range docs {
		if doc.UpdatedAt > maxSeen {
			maxSeen = doc.UpdatedAt
		}
		_, applied, err := p.replica.Local.ApplyRemoteMutation(ctx, entity, doc)
		if errors.Is(err, ErrInvalidPayload) {
			res.Invalid++
			p.logger.Warn("Ignoring malformed remote document", "entity", entity, "doc_id", doc.ID, "error", err)
			continue
		}
		if err != nil {
			stage.stop(ctx, len(docs), 0, true)
			return maxSeen, fmt.Errorf("failed to apply %s/%s: %w", entity, doc.ID, err)
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	stage.stop(ctx, len(docs), 0, false)
	return maxSeen, nil
}

// fetch runs the indexed range query and falls back to a full scan filtered
// and ordered client-side when the store cannot serve it.
func (p *PullEngine) fetch(ctx context.Context, entity Entity, cursor int64, res *PullResult) ([]lwwdocs.Document, error) {
	collection := entity.String()

	stage := p.replica.startStage(MetricsOpPull, MetricsStageFetch)
	docs, err := p.remote.QueryUpdatedAfter(ctx, collection, cursor)
	stage.stop(ctx, len(docs), 0, err != nil)
	if err == nil {
		return docs, nil
	}
	if !errors.Is(err, lwwdocs.ErrIndexUnavailable) {
		return nil, fmt.Errorf("failed to query %s after %d: %w", collection, cursor, err)
	}

	p.logger.Debug("Range query unavailable, scanning collection", "entity", entity, "error", err)
	res.FallbackScans++
	stage = p.replica.startStage(MetricsOpPull, MetricsStageScan)
	all, err := p.remote.Scan(ctx, collection)
	stage.stop(ctx, len(all), 0, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}

	docs = all[:0]
	for _, d := range all {
		if d.UpdatedAt > cursor {
			docs = append(docs, d)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].UpdatedAt != docs[j].UpdatedAt {
			return docs[i].UpdatedAt < docs[j].UpdatedAt
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}
