package domain

import "github.com/bytedance/sonic"

const (
	EventTaskCreated      = "task:created"
	EventTaskUpdated      = "task:updated"
	EventTaskMoved        = "task:moved"
	EventTaskDeleted      = "task:deleted"
	EventTaskReordered    = "task:reordered"
	EventTasksDeletedBulk = "tasks:deleted_bulk"
	EventSubTaskCreated   = "subtask:created"
	EventSubTaskUpdated   = "subtask:updated"
	EventSubTaskDeleted   = "subtask:deleted"
	EventListCreated      = "list:created"
	EventListUpdated      = "list:updated"
	EventListDeleted      = "list:deleted"
)

// ReorderType tells which order key a reorder batch rewrites.
type ReorderType string

const (
	ReorderRegular  ReorderType = "regular"
	ReorderAllLists ReorderType = "allLists"
)

// Event is the envelope fanned out to every session of UserID.
type Event struct {
	Name   string                 `json:"event"`
	UserID string                 `json:"userId"`
	Data   sonic.NoCopyRawMessage `json:"data"`
}

// NewEvent encodes payload into an envelope.
func NewEvent(userID, name string, payload any) (Event, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, UserID: userID, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return sonic.Unmarshal(e.Data, v)
}

type TaskCreatedPayload struct {
	Task   Task   `json:"task"`
	ListID string `json:"listId"`
}

// TaskPayload is shared by task:updated and task:moved.
type TaskPayload struct {
	Task Task `json:"task"`
}

type TaskDeletedPayload struct {
	TaskID string `json:"taskId"`
}

type TaskReorderedPayload struct {
	Tasks []OrderUpdate `json:"tasks"`
	Type  ReorderType   `json:"type"`
}

type TasksDeletedBulkPayload struct {
	ListID       string `json:"listId"`
	IsAllLists   bool   `json:"isAllLists"`
	DeletedCount int    `json:"deletedCount"`
}

// SubTaskPayload is shared by subtask:created and subtask:updated. Version
// is the parent task's version after the write.
type SubTaskPayload struct {
	TaskID  string  `json:"taskId"`
	SubTask SubTask `json:"subTask"`
	Version int64   `json:"version,omitempty"`
}

type SubTaskDeletedPayload struct {
	TaskID    string `json:"taskId"`
	SubTaskID string `json:"subTaskId"`
	Version   int64  `json:"version,omitempty"`
}

// ListPayload is shared by list:created and list:updated.
type ListPayload struct {
	List List `json:"list"`
}

type ListDeletedPayload struct {
	ListID string `json:"listId"`
}
