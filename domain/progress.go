package domain

// Progress computes the completion percentage for a project:
// floor(done/total*100), with 0 for an empty project.
func Progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return done * 100 / total
}

// ProjectProgress derives the aggregate from a task set, counting only tasks
// belonging to the given project.
func ProjectProgress(tasks []Task, projectID string) int {
	var done, total int
	for _, t := range tasks {
		if t.ProjectID != projectID {
			continue
		}
		total++
		if t.Done() {
			done++
		}
	}
	return Progress(done, total)
}
