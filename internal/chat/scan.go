package chat

import "strings"

// ScanOldestUnseen picks the next assistant message to deliver from a
// newest-first message log. It walks the log from oldest to newest, skips
// everything up to and including the cursor id, and returns the first
// subsequent message authored by the assistant (author id prefix) whose
// payload is a text or choice with non-empty text. A cursor id that is not
// present in the log skips nothing.
//
// Returns the matched message and the advanced cursor. ok is false when no
// new assistant message exists; the cursor is returned unchanged in that case.
func ScanOldestUnseen(msgs []Message, cursor, assistantPrefix string) (Message, string, bool) {
	start := 0 // index into oldest-to-newest order
	if cursor != "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == cursor {
				start = len(msgs) - i // everything at and before the cursor is seen
				break
			}
		}
	}
	for k := start; k < len(msgs); k++ {
		m := msgs[len(msgs)-1-k]
		if !strings.HasPrefix(m.UserID, assistantPrefix) {
			continue
		}
		if m.Payload.Type != "text" && m.Payload.Type != "choice" {
			continue
		}
		if strings.TrimSpace(m.Payload.Text) == "" {
			continue
		}
		return m, m.ID, true
	}
	return Message{}, cursor, false
}
