// Package session tracks CDP debugger sessions per browser tab.
//
// A root session is the debugger attachment to the tab itself; child
// sessions attach to targets discovered underneath it (iframes, workers).
// The directory is pure bookkeeping: the CDP router creates and removes
// records, status surfaces enumerate them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// DefaultRootWaitTimeout bounds WaitForRootSession when the caller does
// not supply a timeout.
const DefaultRootWaitTimeout = 2000 * time.Millisecond

// ErrWaitTimeout is returned when no root session is registered for a tab
// before the waiter's timeout elapses.
var ErrWaitTimeout = errors.New("timed out waiting for root session")

// Kind distinguishes root tab sessions from child target sessions.
type Kind string

const (
	KindRoot  Kind = "root"
	KindChild Kind = "child"
)

// TargetRecord is the per-tab record created when a root session attaches.
type TargetRecord struct {
	TabID         int64
	TargetInfo    *target.Info
	RootSessionID target.SessionID
}

// Record is one live debugger session.
type Record struct {
	Kind       Kind
	SessionID  target.SessionID
	TabID      int64
	TargetID   target.ID
	TargetInfo *target.Info
}

type rootWaiter struct {
	ch chan *Record
}

// Directory is the in-memory target/session index. Safe for concurrent
// use; mutated by the CDP router, read by status surfaces.
type Directory struct {
	mu       sync.Mutex
	targets  map[int64]*TargetRecord
	sessions map[target.SessionID]*Record
	byTarget map[target.ID]target.SessionID
	waiters  map[int64][]*rootWaiter
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		targets:  make(map[int64]*TargetRecord),
		sessions: make(map[target.SessionID]*Record),
		byTarget: make(map[target.ID]target.SessionID),
		waiters:  make(map[int64][]*rootWaiter),
	}
}

// RegisterRootTab records the root debugger session for a tab and wakes
// every waiter parked on that tab.
func (d *Directory) RegisterRootTab(tabID int64, info *target.Info, sessionID target.SessionID) *Record {
	d.mu.Lock()

	rec := &Record{
		Kind:       KindRoot,
		SessionID:  sessionID,
		TabID:      tabID,
		TargetID:   info.TargetID,
		TargetInfo: info,
	}
	d.targets[tabID] = &TargetRecord{
		TabID:         tabID,
		TargetInfo:    info,
		RootSessionID: sessionID,
	}
	d.sessions[sessionID] = rec
	d.byTarget[info.TargetID] = sessionID

	waiters := d.waiters[tabID]
	delete(d.waiters, tabID)
	d.mu.Unlock()

	for _, w := range waiters {
		w.ch <- rec
	}
	return rec
}

// RegisterChildSession records a child session (iframe, worker) under a tab.
// Ordering relative to RegisterRootTab is the caller's responsibility.
func (d *Directory) RegisterChildSession(tabID int64, info *target.Info, sessionID target.SessionID) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := &Record{
		Kind:       KindChild,
		SessionID:  sessionID,
		TabID:      tabID,
		TargetID:   info.TargetID,
		TargetInfo: info,
	}
	d.sessions[sessionID] = rec
	d.byTarget[info.TargetID] = sessionID
	return rec
}

// GetBySessionID returns the session record, or nil.
func (d *Directory) GetBySessionID(sessionID target.SessionID) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID]
}

// GetByTargetID resolves a target id to its session record, or nil.
func (d *Directory) GetByTargetID(targetID target.ID) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessionID, ok := d.byTarget[targetID]
	if !ok {
		return nil
	}
	return d.sessions[sessionID]
}

// GetByTabID returns the tab's target record, or nil if no root session
// is attached.
func (d *Directory) GetByTabID(tabID int64) *TargetRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[tabID]
}

// WaitForRootSession returns the tab's root session, parking until one is
// registered. A zero timeout means DefaultRootWaitTimeout. Concurrent
// waiters for the same tab all resolve to the same record; each waiter
// times out independently.
func (d *Directory) WaitForRootSession(ctx context.Context, tabID int64, timeout time.Duration) (*Record, error) {
	if timeout <= 0 {
		timeout = DefaultRootWaitTimeout
	}

	d.mu.Lock()
	if tr, ok := d.targets[tabID]; ok {
		rec := d.sessions[tr.RootSessionID]
		d.mu.Unlock()
		if rec != nil {
			return rec, nil
		}
		return nil, ErrWaitTimeout
	}

	w := &rootWaiter{ch: make(chan *Record, 1)}
	d.waiters[tabID] = append(d.waiters[tabID], w)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-w.ch:
		return rec, nil
	case <-timer.C:
		d.dropWaiter(tabID, w)
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		d.dropWaiter(tabID, w)
		return nil, ctx.Err()
	}
}

func (d *Directory) dropWaiter(tabID int64, w *rootWaiter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.waiters[tabID]
	for i, cand := range list {
		if cand == w {
			d.waiters[tabID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.waiters[tabID]) == 0 {
		delete(d.waiters, tabID)
	}
}

// RemoveByTabID cascades: every session belonging to the tab is removed,
// the target-id index is pruned, then the target record itself goes away.
func (d *Directory) RemoveByTabID(tabID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeByTabIDLocked(tabID)
}

func (d *Directory) removeByTabIDLocked(tabID int64) {
	for sessionID, rec := range d.sessions {
		if rec.TabID != tabID {
			continue
		}
		delete(d.sessions, sessionID)
		if cur, ok := d.byTarget[rec.TargetID]; ok && cur == sessionID {
			delete(d.byTarget, rec.TargetID)
		}
	}
	delete(d.targets, tabID)
}

// RemoveBySessionID removes one child session, or cascades through the
// whole tab when given a root session.
func (d *Directory) RemoveBySessionID(sessionID target.SessionID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	if rec.Kind == KindRoot {
		d.removeByTabIDLocked(rec.TabID)
		return
	}

	delete(d.sessions, sessionID)
	if cur, ok := d.byTarget[rec.TargetID]; ok && cur == sessionID {
		delete(d.byTarget, rec.TargetID)
	}
}

// ListTargetInfos enumerates the target infos of all attached tabs.
func (d *Directory) ListTargetInfos() []*target.Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]*target.Info, 0, len(d.targets))
	for _, tr := range d.targets {
		infos = append(infos, tr.TargetInfo)
	}
	return infos
}

// ListTabIDs enumerates tabs with an attached root session.
func (d *Directory) ListTabIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]int64, 0, len(d.targets))
	for tabID := range d.targets {
		ids = append(ids, tabID)
	}
	return ids
}

// ListSessionIDs enumerates every live session, root and child.
func (d *Directory) ListSessionIDs() []target.SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]target.SessionID, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}
