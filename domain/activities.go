package domain

// UserActivities is the per-user slice of one task's checklist: only the
// activities assigned to the queried user, under the owning task's identity.
type UserActivities struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Activities []Activity `json:"activities"`
}

// ActivitiesForUser projects the task collection onto the activities assigned
// to userID. Tasks without a matching activity are omitted. The projection is
// pure; callers recompute it on every collection change.
func ActivitiesForUser(tasks []Task, userID string) []UserActivities {
	out := make([]UserActivities, 0, len(tasks))
	for _, t := range tasks {
		var matched []Activity
		for _, a := range t.Activities {
			if a.Assignee == userID {
				matched = append(matched, a)
			}
		}
		if len(matched) == 0 {
			continue
		}
		out = append(out, UserActivities{ID: t.ID, Title: t.Title, Activities: matched})
	}
	return out
}
