package query

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/storage"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultPageSize is the list_tasks page size when none is configured
	DefaultPageSize = 50

	// MaxPageSize caps the page_size parameter
	MaxPageSize = 1000

	source = "cocoon-local"
)

// Emit sends one result. Returning an error stops the query.
type Emit func(protocol.QueryResult) error

// CustomQuery answers a named custom query with a single payload
type CustomQuery func(ctx context.Context, params Params) (interface{}, error)

// Engine answers query_local requests from the local store
type Engine struct {
	store    storage.Store
	pageSize int

	mu     sync.RWMutex
	custom map[string]CustomQuery

	logger zerolog.Logger
}

// NewEngine creates a query engine. A nil store makes every built-in kind
// answer not_implemented.
func NewEngine(store storage.Store, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{
		store:    store,
		pageSize: pageSize,
		custom:   make(map[string]CustomQuery),
		logger:   log.WithComponent("query"),
	}
}

// RegisterCustom makes a custom query available under name
func (e *Engine) RegisterCustom(name string, fn CustomQuery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
}

// CustomQueries lists the registered custom query names
func (e *Engine) CustomQueries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.custom))
	for name := range e.custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run answers req through emit. Every query ends with exactly one result
// whose IsFinal is set, unless emit fails or ctx is cancelled first.
func (e *Engine) Run(ctx context.Context, req protocol.QueryLocal, emit Emit) error {
	params := Params(req.Params)
	kind := req.QueryType

	logger := e.logger.With().Str("query_id", req.QueryID).Str("kind", kind).Logger()
	logger.Debug().Str("name", req.QueryName).Msg("Running query")

	result := func(status string, data interface{}, final bool) error {
		if final {
			metrics.QueriesTotal.WithLabelValues(kindLabel(kind), status).Inc()
		}
		return emit(protocol.QueryResult{
			QueryID: req.QueryID,
			Status:  status,
			Data:    data,
			IsFinal: final,
		})
	}
	fail := func(err error) error {
		logger.Warn().Err(err).Msg("Query failed")
		return result(protocol.QueryStatusError, map[string]interface{}{"error": err.Error()}, true)
	}

	if kind == protocol.QueryCustom {
		return e.runCustom(ctx, req.QueryName, params, result, fail)
	}
	if !builtin(kind) {
		return result(protocol.QueryStatusNotImplemented, map[string]interface{}{
			"error": fmt.Sprintf("Unknown query type '%s'", kind),
		}, true)
	}
	if e.store == nil {
		return result(protocol.QueryStatusNotImplemented, map[string]interface{}{}, true)
	}

	switch kind {
	case protocol.QueryListTasks:
		return e.listTasks(ctx, params, result, fail)

	case protocol.QueryTaskStats:
		stats, err := e.store.TaskStats()
		if err != nil {
			return fail(err)
		}
		return result(protocol.QueryStatusOK, stats, true)

	case protocol.QuerySearchTasks:
		query := params.String("query")
		tasks, err := e.store.SearchTasks(query, params.Int("limit", 0))
		if err != nil {
			return fail(err)
		}
		return result(protocol.QueryStatusOK, map[string]interface{}{
			"tasks": nonNil(tasks),
			"query": query,
			"total": len(tasks),
		}, true)

	default: // search_knowledgebase
		query := params.String("query")
		entries, err := e.store.SearchKnowledge(query, params.Int("limit", 0))
		if err != nil {
			return fail(err)
		}
		return result(protocol.QueryStatusOK, map[string]interface{}{
			"results": nonNil(entries),
			"query":   query,
			"total":   len(entries),
		}, true)
	}
}

type resultFunc func(status string, data interface{}, final bool) error

// listTasks streams the matching tasks in pages of page_size
func (e *Engine) listTasks(ctx context.Context, params Params, result resultFunc, fail func(error) error) error {
	filter := storage.TaskFilter{
		Status: types.TaskStatus(params.String("status")),
		Tag:    params.String("tag"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fail(fmt.Errorf("invalid status %q", filter.Status))
	}

	tasks, err := e.store.ListTasks(filter)
	if err != nil {
		return fail(err)
	}

	size := params.Int("page_size", e.pageSize)
	if size <= 0 {
		size = e.pageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	pages := (len(tasks) + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	for page := 0; page < pages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo := page * size
		hi := lo + size
		if hi > len(tasks) {
			hi = len(tasks)
		}
		data := map[string]interface{}{
			"tasks":  nonNil(tasks[lo:hi]),
			"total":  len(tasks),
			"page":   page + 1,
			"pages":  pages,
			"source": source,
		}
		if err := result(protocol.QueryStatusOK, data, page == pages-1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runCustom(ctx context.Context, name string, params Params, result resultFunc, fail func(error) error) error {
	e.mu.RLock()
	fn, ok := e.custom[name]
	e.mu.RUnlock()

	if !ok {
		return result(protocol.QueryStatusNotImplemented, map[string]interface{}{
			"error": fmt.Sprintf("Custom query '%s' not implemented", name),
		}, true)
	}

	data, err := fn(ctx, params)
	if err != nil {
		return fail(err)
	}
	return result(protocol.QueryStatusOK, data, true)
}

func builtin(kind string) bool {
	switch kind {
	case protocol.QueryListTasks, protocol.QueryTaskStats, protocol.QuerySearchTasks, protocol.QuerySearchKnowledgebase:
		return true
	}
	return false
}

func kindLabel(kind string) string {
	if builtin(kind) || kind == protocol.QueryCustom {
		return kind
	}
	return "unknown"
}

// nonNil keeps empty lists encoding as [] rather than null
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
