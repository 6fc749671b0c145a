package session

import (
	"context"
	"sync"

	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/threadlog"
	"github.com/wedlink/msgsync/internal/typing"
)

// View is an open thread. Every listener registered through it is removed
// by Close. Retries of messages sent from the view continue after Close.
type View struct {
	session  *Session
	threadID string
	group    events.Group
	once     sync.Once
}

// ThreadID returns the thread shown by the view.
func (v *View) ThreadID() string { return v.threadID }

// Snapshot returns the thread's messages in display order.
func (v *View) Snapshot() []model.Message {
	return v.session.log.Snapshot(v.threadID)
}

// UnreadCount returns the thread's unread count.
func (v *View) UnreadCount() int {
	return v.session.reads.UnreadCount(v.threadID)
}

// OnChange subscribes to log changes of this thread.
func (v *View) OnChange(fn func(threadlog.Change)) {
	v.group.Add(v.session.log.OnChange(func(c threadlog.Change) {
		if c.ThreadID == v.threadID {
			fn(c)
		}
	}))
}

// OnUnreadChange subscribes to the thread's unread count.
func (v *View) OnUnreadChange(fn func(int)) {
	v.group.Add(v.session.reads.OnThreadUnreadChange(v.threadID, fn))
}

// OnTyping subscribes to the remote typing indicator of this thread.
func (v *View) OnTyping(fn func(typing.RemoteChange)) {
	v.group.Add(v.session.typing.OnRemoteChange(func(c typing.RemoteChange) {
		if c.ThreadID == v.threadID {
			fn(c)
		}
	}))
}

// Observe reports that the messages were scrolled into view.
func (v *View) Observe(ctx context.Context, messageIDs ...string) {
	v.session.Observe(ctx, v.threadID, messageIDs...)
}

// Input registers a keystroke in the composer.
func (v *View) Input() {
	v.session.typing.OnLocalInput(v.threadID)
}

// ClearInput stops the local typing indicator.
func (v *View) ClearInput() {
	v.session.typing.Stop(v.threadID)
}

// Send submits a message to the thread.
func (v *View) Send(ctx context.Context, content string, messageType model.MessageType, attachments ...model.Attachment) (model.Message, error) {
	return v.session.Send(ctx, v.threadID, content, messageType, attachments...)
}

// Close removes the view's listeners and leaves the thread unless another
// reference keeps it joined. The thread stays active while another view
// shows it.
func (v *View) Close() {
	v.once.Do(func() {
		v.group.Close()

		s := v.session
		s.mu.Lock()
		delete(s.views, v)
		if s.active == v.threadID && !s.showingLocked(v.threadID) {
			s.active = ""
		}
		s.mu.Unlock()

		s.release(v.threadID)
	})
}
