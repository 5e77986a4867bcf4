package storage

import (
	"errors"

	"github.com/cuemby/cocoon/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status types.TaskStatus
	Tag    string
}

// Store defines the local data the query engine reads
type Store interface {
	// Tasks
	PutTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	DeleteTask(id string) error
	TaskStats() (types.TaskStats, error)
	SearchTasks(query string, limit int) ([]*types.Task, error)

	// Knowledge base
	PutKnowledge(entry *types.KnowledgeEntry) error
	GetKnowledge(id string) (*types.KnowledgeEntry, error)
	ListKnowledge() ([]*types.KnowledgeEntry, error)
	DeleteKnowledge(id string) error
	SearchKnowledge(query string, limit int) ([]*types.KnowledgeEntry, error)

	// Utility
	Close() error
}
