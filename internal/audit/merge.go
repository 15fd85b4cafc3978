package audit

import (
	"sort"
	"time"

	"github.com/al-bashkir/pentest-console/internal/workflow"
)

// Merge combines live workflows with historical audit sessions.
// Live entries take their target URL from the matching session; sessions
// with no live workflow are reported as completed. The result has no
// duplicate IDs and is ordered by descending start time.
func Merge(live []workflow.ListItem, sessions []SessionSummary, now time.Time) []workflow.ListItem {
	byID := make(map[string]SessionSummary, len(sessions))
	for _, s := range sessions {
		byID[s.WorkflowID] = s
	}

	out := make([]workflow.ListItem, 0, len(live)+len(sessions))
	seen := make(map[string]struct{}, len(live)+len(sessions))
	for _, item := range live {
		if _, dup := seen[item.WorkflowID]; dup {
			continue
		}
		seen[item.WorkflowID] = struct{}{}

		if s, ok := byID[item.WorkflowID]; ok && s.TargetURL != "" {
			item.WebURL = s.TargetURL
		}
		out = append(out, item)
	}

	for _, s := range sessions {
		if _, dup := seen[s.WorkflowID]; dup {
			continue
		}
		seen[s.WorkflowID] = struct{}{}

		start := s.createdAtMillis()
		if start == 0 {
			start = now.UnixMilli()
		}
		out = append(out, workflow.ListItem{
			WorkflowID: s.WorkflowID,
			Status:     workflow.StatusCompleted,
			WebURL:     s.TargetURL,
			StartTime:  start,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime > out[j].StartTime })
	return out
}
