// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"log/slog"
	"sync"
)

// RecordChange is published after any committed change to an entity's records.
type RecordChange struct {
	Entity Entity
}

// SyncState is published on sync-state transitions.
type SyncState struct {
	Online             bool
	SyncInProgress     bool
	OfflineModeEnabled bool
}

// ConflictEvent is published when a push detects a concurrent edit.
type ConflictEvent struct {
	Entity Entity
	DocID  string
}

// Observer receives replica notifications. Callbacks run synchronously on
// the goroutine that made the change, after the change is committed.
type Observer interface {
	OnRecordChange(RecordChange)
	OnSyncState(SyncState)
	OnConflict(ConflictEvent)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	RecordChange func(RecordChange)
	SyncState    func(SyncState)
	Conflict     func(ConflictEvent)
}

func (f ObserverFuncs) OnRecordChange(ev RecordChange) {
	if f.RecordChange != nil {
		f.RecordChange(ev)
	}
}

func (f ObserverFuncs) OnSyncState(ev SyncState) {
	if f.SyncState != nil {
		f.SyncState(ev)
	}
}

func (f ObserverFuncs) OnConflict(ev ConflictEvent) {
	if f.Conflict != nil {
		f.Conflict(ev)
	}
}

type subscription struct {
	id       int
	observer Observer
}

// Notifier is the set of registered observers. The zero set is valid and
// drops every notification.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Subscribe registers o and returns a function that removes it.
func (n *Notifier) Subscribe(o Observer) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, observer: o})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (n *Notifier) snapshot() []subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]subscription(nil), n.subs...)
}

func (n *Notifier) each(kind string, fn func(Observer)) {
	for _, s := range n.snapshot() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					n.logger.Error("Observer panicked", "kind", kind, "subscription", s.id, "panic", rec)
				}
			}()
			fn(s.observer)
		}()
	}
}

func (n *Notifier) recordChanged(e Entity) {
	n.each("record_change", func(o Observer) { o.OnRecordChange(RecordChange{Entity: e}) })
}

func (n *Notifier) syncStateChanged(st SyncState) {
	n.each("sync_state", func(o Observer) { o.OnSyncState(st) })
}

func (n *Notifier) conflictDetected(e Entity, docID string) {
	n.each("conflict", func(o Observer) { o.OnConflict(ConflictEvent{Entity: e, DocID: docID}) })
}
