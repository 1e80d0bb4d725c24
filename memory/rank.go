package memory

import (
	"sort"
	"strings"
)

// Rank filters and orders records by relevance to query. A record scores one
// point per distinct query term its content contains, case-insensitively;
// zero-score records are dropped. Ties break by UpdatedAt, newest first, so
// fresh memories surface ahead of stale ones. All backends share this
// ranking so search behaves identically regardless of storage.
func Rank(records []Record, query string) []Record {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []Record{}
	}

	type scored struct {
		rec   Record
		score int
	}
	matches := make([]scored, 0, len(records))
	for _, rec := range records {
		content := strings.ToLower(rec.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{rec: rec, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].rec.UpdatedAt.After(matches[j].rec.UpdatedAt)
	})

	out := make([]Record, len(matches))
	for i, m := range matches {
		out[i] = m.rec
	}
	return out
}
