package conversation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"chatsync/internal/domain"
)

var ErrBadCursor = errors.New("invalid cursor")

// Cursor marks a position in a patient's history; pages fetched with it
// contain only messages strictly older than the position.
type Cursor struct {
	PatientID string    `json:"p"`
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"i"`
}

// CursorAt returns the cursor positioned at m.
func CursorAt(m domain.Message) Cursor {
	return Cursor{PatientID: m.PatientID, CreatedAt: m.CreatedAt, ID: m.ID}
}

// OldestCursor returns the cursor at the oldest message of msgs.
func OldestCursor(msgs []domain.Message) (Cursor, bool) {
	if len(msgs) == 0 {
		return Cursor{}, false
	}
	oldest := msgs[0]
	for _, m := range msgs[1:] {
		if Newer(oldest, m) {
			oldest = m
		}
	}
	return CursorAt(oldest), true
}

func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrBadCursor
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, ErrBadCursor
	}
	if c.PatientID == "" || c.ID == "" || c.CreatedAt.IsZero() {
		return Cursor{}, ErrBadCursor
	}
	return c, nil
}
