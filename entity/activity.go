package entity

import "time"

// ActivityEntry is one immutable audit record. Entries are never edited or
// soft-deleted, so the log merges by id alone.
type ActivityEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	SubjectID   string    `json:"subjectId"`
	SubjectType string    `json:"subjectType"`
}

// Activity actions recorded by the workspace.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// NewActivity stamps a new entry at now.
func NewActivity(now time.Time, actor, action string, collection Collection, subjectID string) ActivityEntry {
	return ActivityEntry{
		ID:          NewID(),
		Timestamp:   now.UTC(),
		Actor:       actor,
		Action:      action,
		SubjectID:   subjectID,
		SubjectType: string(collection),
	}
}
