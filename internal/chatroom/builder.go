package chatroom

// presenceBuilder owns the "last presence sent" state described in §4.2
// ("Presence send/interceptor"): setPresenceExtension,
// addPresenceExtensionIfMissing, removePresenceExtensions, and
// addPresenceExtensions all mutate it under the room's lock and report
// whether the resulting state changed. Nothing is sent from here; the
// current state is read back through OwnPresence.
type presenceBuilder struct {
	extensions map[string]string
}

func (b *presenceBuilder) ensure() {
	if b.extensions == nil {
		b.extensions = make(map[string]string)
	}
}

// Set overwrites (or adds) a single extension value. Returns true if the
// presence changed.
func (b *presenceBuilder) Set(key, value string) bool {
	b.ensure()
	if existing, ok := b.extensions[key]; ok && existing == value {
		return false
	}
	b.extensions[key] = value
	return true
}

// AddIfMissing adds an extension only if not already present. Returns
// true if the presence changed.
func (b *presenceBuilder) AddIfMissing(key, value string) bool {
	b.ensure()
	if _, ok := b.extensions[key]; ok {
		return false
	}
	b.extensions[key] = value
	return true
}

// Remove deletes the named extensions. Returns true if any were present.
func (b *presenceBuilder) Remove(keys ...string) bool {
	changed := false
	for _, k := range keys {
		if _, ok := b.extensions[k]; ok {
			delete(b.extensions, k)
			changed = true
		}
	}
	return changed
}

// AddAll adds every entry in kv, overwriting existing values. Returns
// true if anything changed.
func (b *presenceBuilder) AddAll(kv map[string]string) bool {
	b.ensure()
	changed := false
	for k, v := range kv {
		if existing, ok := b.extensions[k]; !ok || existing != v {
			b.extensions[k] = v
			changed = true
		}
	}
	return changed
}

// Snapshot returns a copy of the current extension set, the "own
// presence" produced at the chat-room boundary (§6).
func (b *presenceBuilder) Snapshot() map[string]string {
	out := make(map[string]string, len(b.extensions))
	for k, v := range b.extensions {
		out[k] = v
	}
	return out
}

// SetPresenceExtension mutates the room's own outbound presence and
// reports whether anything changed.
func (r *Room) SetPresenceExtension(key, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPresence.Set(key, value)
}

// AddPresenceExtensionIfMissing mutates the room's own outbound presence.
func (r *Room) AddPresenceExtensionIfMissing(key, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPresence.AddIfMissing(key, value)
}

// RemovePresenceExtensions mutates the room's own outbound presence.
func (r *Room) RemovePresenceExtensions(keys ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPresence.Remove(keys...)
}

// AddPresenceExtensions mutates the room's own outbound presence.
func (r *Room) AddPresenceExtensions(kv map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPresence.AddAll(kv)
}

// OwnPresence returns a snapshot of the presence extensions currently
// advertised for the local occupant.
func (r *Room) OwnPresence() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPresence.Snapshot()
}
