package memory

import (
	"sort"
)

// DedupGroup is one set of memories sharing a content hash.
type DedupGroup struct {
	ContentHash string   `json:"content_hash"`
	Survivor    string   `json:"survivor"`
	Removals    []string `json:"removals"`
}

// DedupReport is the plan (or outcome) of a dedup pass.
type DedupReport struct {
	Groups  []DedupGroup `json:"groups"`
	Removed int          `json:"removed"`
	Applied bool         `json:"applied"`
}

// Dedup groups memories by content hash and plans removal of all but the
// oldest per group. The plan is only executed when apply is true.
func (s *Store) Dedup(apply bool) (*DedupReport, error) {
	s.mu.RLock()
	byHash := make(map[string][]*Memory)
	for _, m := range s.byID {
		byHash[m.ContentHash] = append(byHash[m.ContentHash], m)
	}
	s.mu.RUnlock()

	report := &DedupReport{}
	hashes := make([]string, 0, len(byHash))
	for hash, group := range byHash {
		if len(group) > 1 {
			hashes = append(hashes, hash)
		}
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		group := byHash[hash]
		// Oldest survives; ties break on id for determinism.
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.Before(group[j].Timestamp)
			}
			return group[i].ID < group[j].ID
		})
		entry := DedupGroup{ContentHash: hash, Survivor: group[0].ID}
		for _, m := range group[1:] {
			entry.Removals = append(entry.Removals, m.ID)
		}
		report.Groups = append(report.Groups, entry)
		report.Removed += len(entry.Removals)
	}

	if !apply {
		return report, nil
	}
	for _, group := range report.Groups {
		for _, id := range group.Removals {
			if err := s.Delete(id); err != nil {
				return report, err
			}
		}
	}
	report.Applied = true
	return report, nil
}
