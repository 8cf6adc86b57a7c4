package conversation

import "chatsync/internal/domain"

// Merge combines paginated history with the latest live-window snapshot and
// returns the result in display order.
//
// live is authoritative for its own time range: history entries inside that
// range are replaced by the live copy or, when missing from it, treated as
// deleted. Entries older than the window keep whatever state they had when
// their page was fetched. When live is shorter than window it covers the
// whole conversation.
func Merge(history, live []domain.Message, window int) []domain.Message {
	out := make([]domain.Message, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(live))
	for _, m := range live {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	if len(live) >= window {
		lower, ok := OldestCursor(live)
		for _, m := range history {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			if ok && !OlderThan(m, lower) {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}

	SortAscending(out)
	return out
}
