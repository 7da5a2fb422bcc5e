package convo

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a chat entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// ChatKind classifies chat entries so the front end can render transcript
// text, status notes, and failures differently.
type ChatKind int

const (
	ChatText ChatKind = iota
	ChatInfo
	ChatWarning
	ChatError
)

func (k ChatKind) String() string {
	switch k {
	case ChatText:
		return "text"
	case ChatInfo:
		return "info"
	case ChatWarning:
		return "warning"
	case ChatError:
		return "error"
	default:
		return "unknown"
	}
}

// ChatEntry is one row of the conversation log. Transcript entries are
// re-emitted with the same ID as deltas extend them; consumers upsert by ID.
type ChatEntry struct {
	ID   string
	Role Role
	Kind ChatKind
	Text string
	Time time.Time
}

// turn accumulates transcript deltas for one speaker within a model turn.
// The entry ID is created lazily on the first delta so that silent turns
// never produce empty chat rows.
type turn struct {
	id   string
	text string
}

func (t *turn) append(delta string) {
	if t.id == "" {
		t.id = uuid.NewString()
	}
	t.text += delta
}

func (t *turn) reset() {
	t.id = ""
	t.text = ""
}

func (t *turn) active() bool { return t.id != "" }
