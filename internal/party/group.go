package party

import "party-service/internal/models"

// Group folds an ordered entry sequence into render groups in one pass:
// consecutive activity entries share a group, consecutive messages share
// a group only when written by the same author.
func Group(entries []models.LogEntry) []models.EntryGroup {
	var groups []models.EntryGroup
	for _, entry := range entries {
		groups = Extend(groups, entry)
	}
	return groups
}

// Extend appends a single new entry, merging into the open group when it
// continues the run. Only the last group is ever inspected, so a live
// feed can extend its grouped view without refolding the whole log.
func Extend(groups []models.EntryGroup, entry models.LogEntry) []models.EntryGroup {
	if len(groups) > 0 {
		open := &groups[len(groups)-1]
		if open.Type == entry.Type {
			switch entry.Type {
			case models.EntryTypeActivity:
				open.Entries = append(open.Entries, entry)
				return groups
			case models.EntryTypeMessage:
				if open.AuthorID == entry.AuthorID {
					open.Entries = append(open.Entries, entry)
					return groups
				}
			}
		}
	}

	group := models.EntryGroup{Type: entry.Type, Entries: []models.LogEntry{entry}}
	if entry.Type == models.EntryTypeMessage {
		group.AuthorID = entry.AuthorID
	}
	return append(groups, group)
}
