package timeline

import (
	"cmp"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// mergeInto adds the entries of batch whose server id is not already in
// the view, then restores LocalSeq order. Entries without a server id
// are always added. It returns the number of entries added; merging the
// same batch twice adds nothing the second time.
func mergeInto(v *view, batch []models.Message) int {
	if len(batch) == 0 {
		return 0
	}

	seen := make(map[int64]struct{}, len(v.messages)+len(batch))
	for i := range v.messages {
		if v.messages[i].HasServerID() {
			seen[v.messages[i].ID] = struct{}{}
		}
	}

	var added int

	for _, m := range batch {
		if m.HasServerID() {
			if _, dup := seen[m.ID]; dup {
				continue
			}

			seen[m.ID] = struct{}{}
		}

		v.messages = append(v.messages, m.Clone())
		added++
	}

	if added > 0 {
		slices.SortStableFunc(v.messages, func(a, b models.Message) int {
			return cmp.Compare(a.LocalSeq, b.LocalSeq)
		})
	}

	return added
}

// nextSeqAfter returns the smallest sequence at or above seq that no
// entry of the view uses.
func nextSeqAfter(v *view, seq int64) int64 {
	for slices.ContainsFunc(v.messages, func(m models.Message) bool { return m.LocalSeq == seq }) {
		seq++
	}

	return seq
}
