package main

import (
	"runtime/debug"
	"time"

	"DroidView/pkg/broadcast"
	"DroidView/pkg/store"
	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"
)

var timeNow = time.Now

// sessionLookup resolves the live session of a device
type sessionLookup interface {
	Get(deviceID string) (types.SessionInfo, error)
}

// historyRecorder copies session transitions and finished actions into the store
type historyRecorder struct {
	store    *store.Store
	sessions sessionLookup
	sessSub  *broadcast.Subscription[types.SessionEvent]
	actSub   *broadcast.Subscription[toolkit.Event]
}

func newHistoryRecorder(st *store.Store, sessions sessionLookup,
	sessSub *broadcast.Subscription[types.SessionEvent], actSub *broadcast.Subscription[toolkit.Event]) *historyRecorder {
	return &historyRecorder{store: st, sessions: sessions, sessSub: sessSub, actSub: actSub}
}

// run returns once both subscriptions are closed
func (h *historyRecorder) run() {
	defer func() {
		if r := recover(); r != nil {
			LogPanic("history", r, string(debug.Stack()))
		}
	}()

	sessCh, actCh := h.sessSub.C(), h.actSub.C()
	for sessCh != nil || actCh != nil {
		select {
		case ev, ok := <-sessCh:
			if !ok {
				sessCh = nil
				continue
			}
			h.recordSession(ev)
		case ev, ok := <-actCh:
			if !ok {
				actCh = nil
				continue
			}
			if err := h.store.RecordAction(ev); err != nil {
				LogErrorWithContext("history", err, map[string]interface{}{"action": ev.Result.ID})
			}
		}
	}
}

func (h *historyRecorder) recordSession(ev types.SessionEvent) {
	if ev.Status.Phase == types.SessionStarting {
		// the live session carries the launch config the event lacks
		if info, err := h.sessions.Get(ev.DeviceID); err == nil && info.ID == ev.SessionID {
			if err := h.store.SessionStarted(info); err != nil {
				LogErrorWithContext("history", err, map[string]interface{}{"session": ev.SessionID})
			}
		}
	}
	if err := h.store.RecordSessionEvent(ev); err != nil {
		LogErrorWithContext("history", err, map[string]interface{}{
			"session": ev.SessionID,
			"phase":   string(ev.Status.Phase),
		})
	}
}
