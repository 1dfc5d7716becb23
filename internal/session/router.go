package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/target"

	"github.com/tabwire/tabwire/internal/relay"
)

// Executor runs a debugger command against a tab's live session. The
// concrete implementation owns the actual debugger attachment.
type Executor interface {
	Execute(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error)
}

// transport is the slice of the relay transport the router needs.
type transport interface {
	OnCDPCommand(h relay.CDPCommandHandler) func()
	SendResponse(id int64, result any, errMsg string) error
	SendEvent(method string, params any, sessionID target.SessionID) error
}

// Router connects a relay transport to the session directory: forwarded
// commands are resolved to a tab through the directory, executed, and
// answered; debugger attachments and detachments are recorded and
// mirrored back to the relay as Target events.
type Router struct {
	dir  *Directory
	tr   transport
	exec Executor

	// defaultTabID resolves commands that carry no session id.
	defaultTabID int64

	stop func()
}

// NewRouter creates a router for one announced tab.
func NewRouter(tr transport, dir *Directory, exec Executor, defaultTabID int64) *Router {
	return &Router{dir: dir, tr: tr, exec: exec, defaultTabID: defaultTabID}
}

// Start registers the command handler. Stop unregisters it.
func (r *Router) Start() {
	r.stop = r.tr.OnCDPCommand(func(cmd *relay.CDPCommand) {
		go r.handleCommand(context.Background(), cmd)
	})
}

// Stop unregisters the command handler. The directory is left intact.
func (r *Router) Stop() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

// handleCommand resolves the target session and executes the command.
// Every command is answered: either a result or an error message.
func (r *Router) handleCommand(ctx context.Context, cmd *relay.CDPCommand) {
	rec, err := r.resolve(ctx, cmd.SessionID)
	if err != nil {
		_ = r.tr.SendResponse(cmd.ID, nil, err.Error())
		return
	}

	result, err := r.exec.Execute(ctx, rec.TabID, cmd.Method, cmd.Params)
	if err != nil {
		_ = r.tr.SendResponse(cmd.ID, nil, err.Error())
		return
	}
	_ = r.tr.SendResponse(cmd.ID, result, "")
}

// resolve maps a session id to its record. Commands without a session id
// address the announced tab's root session, waiting briefly for the
// attachment if it has not landed yet.
func (r *Router) resolve(ctx context.Context, sessionID target.SessionID) (*Record, error) {
	if sessionID != "" {
		rec := r.dir.GetBySessionID(sessionID)
		if rec == nil {
			return nil, fmt.Errorf("unknown session %s", sessionID)
		}
		return rec, nil
	}
	rec, err := r.dir.WaitForRootSession(ctx, r.defaultTabID, DefaultRootWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("no root session for tab %d: %w", r.defaultTabID, err)
	}
	return rec, nil
}

// AnnounceRootAttached records the tab's root debugger session and tells
// the relay a target attached.
func (r *Router) AnnounceRootAttached(tabID int64, info *target.Info, sessionID target.SessionID) *Record {
	rec := r.dir.RegisterRootTab(tabID, info, sessionID)
	r.emitAttached(rec)
	return rec
}

// AnnounceChildAttached records a child session under a tab and tells the
// relay about it.
func (r *Router) AnnounceChildAttached(tabID int64, info *target.Info, sessionID target.SessionID) *Record {
	rec := r.dir.RegisterChildSession(tabID, info, sessionID)
	r.emitAttached(rec)
	return rec
}

func (r *Router) emitAttached(rec *Record) {
	_ = r.tr.SendEvent("Target.attachedToTarget", map[string]any{
		"sessionId":          rec.SessionID,
		"targetInfo":         rec.TargetInfo,
		"waitingForDebugger": false,
	}, "")
}

// AnnounceDetached removes a session and tells the relay. Removing a
// root session cascades to the tab's children, and each removed session
// produces its own detach event.
func (r *Router) AnnounceDetached(sessionID target.SessionID) {
	rec := r.dir.GetBySessionID(sessionID)
	if rec == nil {
		return
	}

	var removed []target.SessionID
	if rec.Kind == KindRoot {
		for _, sid := range r.dir.ListSessionIDs() {
			if child := r.dir.GetBySessionID(sid); child != nil && child.TabID == rec.TabID {
				removed = append(removed, sid)
			}
		}
		r.dir.RemoveByTabID(rec.TabID)
	} else {
		removed = []target.SessionID{sessionID}
		r.dir.RemoveBySessionID(sessionID)
	}

	for _, sid := range removed {
		_ = r.tr.SendEvent("Target.detachedFromTarget", map[string]any{
			"sessionId": sid,
		}, "")
	}
}

// AnnounceTabClosed drops everything for a tab and emits detach events
// for each session that was live.
func (r *Router) AnnounceTabClosed(tabID int64) {
	var removed []target.SessionID
	for _, sid := range r.dir.ListSessionIDs() {
		if rec := r.dir.GetBySessionID(sid); rec != nil && rec.TabID == tabID {
			removed = append(removed, sid)
		}
	}
	r.dir.RemoveByTabID(tabID)

	for _, sid := range removed {
		_ = r.tr.SendEvent("Target.detachedFromTarget", map[string]any{
			"sessionId": sid,
		}, "")
	}
}

// ForwardEvent relays a debugger event observed on a session.
func (r *Router) ForwardEvent(method string, params any, sessionID target.SessionID) error {
	return r.tr.SendEvent(method, params, sessionID)
}
