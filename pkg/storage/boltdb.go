package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/cocoon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks     = []byte("tasks")
	bucketKnowledge = []byte("knowledge")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Another process holding the file lock fails fast instead of hanging
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketKnowledge} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations
func (s *BoltStore) PutTask(task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status %q", task.Status)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	return put(s.db, bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := get(s.db, bucketTasks, id, &task); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := each(s.db, bucketTasks, func(v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		if filter.Status != "" && task.Status != filter.Status {
			return nil
		}
		if filter.Tag != "" && !hasTag(task.Tags, filter.Tag) {
			return nil
		}
		tasks = append(tasks, &task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// TaskStats counts tasks by status
func (s *BoltStore) TaskStats() (types.TaskStats, error) {
	var stats types.TaskStats
	err := each(s.db, bucketTasks, func(v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		stats.Total++
		switch task.Status {
		case types.TaskStatusPending:
			stats.Pending++
		case types.TaskStatusRunning:
			stats.Running++
		case types.TaskStatusCompleted:
			stats.Completed++
		case types.TaskStatusFailed:
			stats.Failed++
		}
		return nil
	})
	return stats, err
}

// SearchTasks matches query case-insensitively against title, description
// and tags. Title matches rank first. A limit of zero or less means no limit.
func (s *BoltStore) SearchTasks(query string, limit int) ([]*types.Task, error) {
	terms := searchTerms(query)
	var titleHits, otherHits []*types.Task
	err := each(s.db, bucketTasks, func(v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		switch {
		case matchesAll(terms, task.Title):
			titleHits = append(titleHits, &task)
		case matchesAll(terms, task.Title, task.Description, strings.Join(task.Tags, " ")):
			otherHits = append(otherHits, &task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasks(titleHits)
	sortTasks(otherHits)
	return truncate(append(titleHits, otherHits...), limit), nil
}

// Knowledge operations
func (s *BoltStore) PutKnowledge(entry *types.KnowledgeEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("knowledge entry id is required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	return put(s.db, bucketKnowledge, entry.ID, entry)
}

func (s *BoltStore) GetKnowledge(id string) (*types.KnowledgeEntry, error) {
	var entry types.KnowledgeEntry
	if err := get(s.db, bucketKnowledge, id, &entry); err != nil {
		return nil, fmt.Errorf("knowledge entry %s: %w", id, err)
	}
	return &entry, nil
}

func (s *BoltStore) ListKnowledge() ([]*types.KnowledgeEntry, error) {
	var entries []*types.KnowledgeEntry
	err := each(s.db, bucketKnowledge, func(v []byte) error {
		var entry types.KnowledgeEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	return entries, err
}

func (s *BoltStore) DeleteKnowledge(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKnowledge).Delete([]byte(id))
	})
}

// SearchKnowledge matches query case-insensitively against title, content
// and tags. Title matches rank first.
func (s *BoltStore) SearchKnowledge(query string, limit int) ([]*types.KnowledgeEntry, error) {
	terms := searchTerms(query)
	var titleHits, otherHits []*types.KnowledgeEntry
	err := each(s.db, bucketKnowledge, func(v []byte) error {
		var entry types.KnowledgeEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		switch {
		case matchesAll(terms, entry.Title):
			titleHits = append(titleHits, &entry)
		case matchesAll(terms, entry.Title, entry.Content, strings.Join(entry.Tags, " ")):
			otherHits = append(otherHits, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return truncate(append(titleHits, otherHits...), limit), nil
}

func put(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func get(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func each(db *bolt.DB, bucket []byte, fn func(v []byte) error) error {
	return db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}

func sortTasks(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func searchTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// matchesAll reports whether every term appears in at least one field
func matchesAll(terms []string, fields ...string) bool {
	if len(terms) == 0 {
		return false
	}
	haystack := strings.ToLower(strings.Join(fields, "\n"))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
