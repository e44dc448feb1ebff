package turn

// Role identifies who produced a context entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ContextEntry is one prior turn of the conversation.
type ContextEntry struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// window is a bounded conversation history trimmed from the oldest end.
type window struct {
	max     int
	entries []ContextEntry
}

func newWindow(max int, seed []ContextEntry) *window {
	w := &window{max: max}
	for _, e := range seed {
		w.push(e)
	}
	return w
}

func (w *window) push(e ContextEntry) {
	w.entries = append(w.entries, e)
	if over := len(w.entries) - w.max; over > 0 {
		w.entries = append(w.entries[:0:0], w.entries[over:]...)
	}
}

func (w *window) snapshot() []ContextEntry {
	out := make([]ContextEntry, len(w.entries))
	copy(out, w.entries)
	return out
}
