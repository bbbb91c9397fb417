// Package views renders the materialised backlog and status markdown
// documents. Both are pure functions of the WU records: deleting and
// regenerating them yields byte-identical output. The rendered documents
// are derived, not authoritative, state.
package views

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hellmai/lumenflow/internal/wu"
)

// Generate renders the backlog markdown document: WUs grouped by status.
// It is a pure function of records; callers pass the already-loaded WU
// records (which themselves are only valid because they are derived from
// the event log at claim/release/etc. time).
func Generate(records []*wu.Record) string {
	byStatus := map[wu.Status][]*wu.Record{}
	for _, rec := range records {
		byStatus[rec.Status] = append(byStatus[rec.Status], rec)
	}
	for _, group := range byStatus {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}

	var b strings.Builder
	b.WriteString("# Backlog\n\n")
	for _, status := range []wu.Status{wu.InProgress, wu.Blocked, wu.Ready, wu.Done} {
		group := byStatus[status]
		b.WriteString(fmt.Sprintf("## %s\n\n", sectionTitle(status)))
		if len(group) == 0 {
			b.WriteString("_none_\n\n")
			continue
		}
		for _, rec := range group {
			b.WriteString(renderBacklogLine(rec))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderBacklogLine(rec *wu.Record) string {
	assignee := rec.AssignedTo
	if assignee == "" {
		assignee = "unassigned"
	}
	return fmt.Sprintf("- **%s** [%s] %s — %s\n", rec.ID, rec.Lane, rec.Title, assignee)
}

func sectionTitle(status wu.Status) string {
	switch status {
	case wu.InProgress:
		return "In Progress"
	case wu.Blocked:
		return "Blocked"
	case wu.Ready:
		return "Ready"
	case wu.Done:
		return "Done"
	default:
		return string(status)
	}
}

// GenerateStatus renders the shorter status summary document: counts per
// status plus the in-progress WUs' assignees.
func GenerateStatus(records []*wu.Record) string {
	counts := map[wu.Status]int{}
	var inProgress []*wu.Record
	for _, rec := range records {
		counts[rec.Status]++
		if rec.Status == wu.InProgress {
			inProgress = append(inProgress, rec)
		}
	}
	sort.Slice(inProgress, func(i, j int) bool { return inProgress[i].ID < inProgress[j].ID })

	var b strings.Builder
	b.WriteString("# Status\n\n")
	b.WriteString(fmt.Sprintf("- Ready: %d\n", counts[wu.Ready]))
	b.WriteString(fmt.Sprintf("- In Progress: %d\n", counts[wu.InProgress]))
	b.WriteString(fmt.Sprintf("- Blocked: %d\n", counts[wu.Blocked]))
	b.WriteString(fmt.Sprintf("- Done: %d\n\n", counts[wu.Done]))

	if len(inProgress) > 0 {
		b.WriteString("## In Progress\n\n")
		for _, rec := range inProgress {
			assignee := rec.AssignedTo
			if assignee == "" {
				assignee = "unassigned"
			}
			b.WriteString(fmt.Sprintf("- %s: %s (%s)\n", rec.ID, rec.Title, assignee))
		}
	}
	return b.String()
}
