package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tianshu-ai/tianshu/engine/core"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("task: unknown status %q", s)
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Options is the free-form bag of per-engine knobs attached to a task.
type Options map[string]any

// Bool reads a boolean option, tolerating JSON round-trips.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Float reads a numeric option; JSON decoding yields float64.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// String reads a string option.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ChunkInfo identifies the page range a shard covers within its parent.
type ChunkInfo struct {
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
	PageCount int `json:"page_count"`
}

// Task is the central record of the ingestion pipeline.
type Task struct {
	ID             core.ID    `json:"task_id"`
	FileName       string     `json:"file_name"`
	FilePath       string     `json:"file_path,omitempty"`
	Backend        string     `json:"backend"`
	Options        Options    `json:"options,omitempty"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	ResultPath     string     `json:"result_path,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	ParentTaskID   core.ID    `json:"parent_task_id,omitempty"`
	IsParent       bool       `json:"is_parent,omitempty"`
	ChildCount     int        `json:"child_count,omitempty"`
	ChildCompleted int        `json:"child_completed,omitempty"`
	ImagesUploaded bool       `json:"images_uploaded,omitempty"`
}

// ChunkInfo extracts the shard page range from the task options, when present.
func (t *Task) ChunkInfo() (*ChunkInfo, bool) {
	raw, ok := t.Options["chunk_info"]
	if !ok {
		return nil, false
	}
	// Options survive a JSON round-trip through the store, so the value may
	// be either the struct or a generic map.
	switch v := raw.(type) {
	case *ChunkInfo:
		return v, true
	case ChunkInfo:
		return &v, true
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var ci ChunkInfo
		if err := json.Unmarshal(b, &ci); err != nil {
			return nil, false
		}
		return &ci, true
	default:
		return nil, false
	}
}

// CreateInput carries the fields needed to insert a new task row.
type CreateInput struct {
	FileName string
	FilePath string
	Backend  string
	Options  Options
	Priority int
	UserID   string
}
