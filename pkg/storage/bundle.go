package storage

import (
	"fmt"
	"io"

	"github.com/cuemby/cocoon/pkg/types"
	"gopkg.in/yaml.v3"
)

// Bundle is a YAML document of tasks and knowledge entries to load into a
// store
type Bundle struct {
	Tasks     []types.Task           `yaml:"tasks"`
	Knowledge []types.KnowledgeEntry `yaml:"knowledge"`
}

// ReadBundle decodes a bundle. Unknown fields are rejected.
func ReadBundle(r io.Reader) (*Bundle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var b Bundle
	if err := dec.Decode(&b); err != nil {
		if err == io.EOF {
			return &b, nil
		}
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	return &b, nil
}

// Import upserts every record of b into store and returns how many tasks
// and knowledge entries were written
func Import(store Store, b *Bundle) (int, int, error) {
	for i := range b.Tasks {
		if err := store.PutTask(&b.Tasks[i]); err != nil {
			return i, 0, fmt.Errorf("failed to import task %q: %w", b.Tasks[i].ID, err)
		}
	}
	for i := range b.Knowledge {
		if err := store.PutKnowledge(&b.Knowledge[i]); err != nil {
			return len(b.Tasks), i, fmt.Errorf("failed to import knowledge entry %q: %w", b.Knowledge[i].ID, err)
		}
	}
	return len(b.Tasks), len(b.Knowledge), nil
}
