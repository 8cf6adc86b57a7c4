package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func newID(prefix string) string {
	// ULID is sortable, so ids of messages written in the same microsecond still order by creation
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string { return newID("msg_") }

func NewTaskID() string { return newID("task_") }

// NowUTC is truncated to microseconds so values round-trip through timestamptz unchanged.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// DisplayTime renders the denormalized "time" field shown next to a message.
func DisplayTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("15:04")
}

// NormalizeIdentity trims a channel identity for exact matching.
func NormalizeIdentity(id string) string {
	return strings.TrimSpace(id)
}
