package queue

import "storyloom/internal/catalog"

// OverallProgress returns the job's completion percentage with equal weight
// per graph step. A fan-out step counts only once all of its items completed.
func OverallProgress(tpl catalog.Template, status Status, records []StageRecord) int {
	if status == StatusCompleted {
		return 100
	}
	if len(tpl.Steps) == 0 {
		return 0
	}

	completed := make(map[string]map[int]struct{}, len(tpl.Steps))
	for _, rec := range records {
		if rec.Status != StageCompleted {
			continue
		}
		items, ok := completed[rec.Stage]
		if !ok {
			items = make(map[int]struct{})
			completed[rec.Stage] = items
		}
		items[rec.Item] = struct{}{}
	}

	done := 0
	for _, step := range tpl.Steps {
		items := completed[step.Stage]
		all := true
		for i := 0; i < step.Items(); i++ {
			if _, ok := items[i]; !ok {
				all = false
				break
			}
		}
		if all {
			done++
		}
	}
	return done * 100 / len(tpl.Steps)
}
