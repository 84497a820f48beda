package channel

import "github.com/orchestra-mcp/notesync/src/types"

// OnContent registers a listener for content updates.
func (r *Registry) OnContent(cb func(noteID string, u types.ContentUpdate)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.onContent = append(r.onContent, cb)
}

// OnPresence registers a listener for join/leave events.
func (r *Registry) OnPresence(cb func(noteID string, e types.PresenceEvent)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.onPresence = append(r.onPresence, cb)
}

// OnTyping registers a listener for typing toggles.
func (r *Registry) OnTyping(cb func(noteID string, e types.TypingEvent)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.onTyping = append(r.onTyping, cb)
}

// OnState registers a listener for full snapshots from either the
// per-session queue or the broadcast topic.
func (r *Registry) OnState(cb func(noteID string, s types.StateSnapshot)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.onState = append(r.onState, cb)
}
