package store

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

// LeaseReader reads the current in-memory lease for an endpoint at flush
// time. A nil return for a key marked OpUpsert is treated as a delete (the
// lease was removed between mark and flush).
type LeaseReader func(ep endpoint.Endpoint) *model.Lease

// Engine is the single write entry point for pool persistence. Proxy record
// writes are write-through (the scoring path calls BulkUpsertProxies
// directly); lease status rows are write-behind via a dirty set, and usage
// audit events ride along with the next status flush.
type Engine struct {
	*Repo

	dirtyStatuses *DirtySet[endpoint.Endpoint]

	usageMu  sync.Mutex
	usageBuf []model.UsageEvent
}

// NewEngine creates an Engine around the given repo.
func NewEngine(repo *Repo) *Engine {
	return &Engine{
		Repo:          repo,
		dirtyStatuses: NewDirtySet[endpoint.Endpoint](),
	}
}

// MarkStatus marks an endpoint's lease row for upsert on the next flush.
func (e *Engine) MarkStatus(ep endpoint.Endpoint) { e.dirtyStatuses.MarkUpsert(ep) }

// MarkStatusDelete marks an endpoint's lease row for deletion on the next flush.
func (e *Engine) MarkStatusDelete(ep endpoint.Endpoint) { e.dirtyStatuses.MarkDelete(ep) }

// RecordUsage buffers a usage audit event for the next flush.
func (e *Engine) RecordUsage(ev model.UsageEvent) {
	e.usageMu.Lock()
	e.usageBuf = append(e.usageBuf, ev)
	e.usageMu.Unlock()
}

// DirtyCount returns the number of pending writes (dirty statuses plus
// buffered usage events).
func (e *Engine) DirtyCount() int {
	e.usageMu.Lock()
	n := len(e.usageBuf)
	e.usageMu.Unlock()
	return e.dirtyStatuses.Len() + n
}

// classifyDirty splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the
// current in-memory value; a nil return is treated as a delete.
func classifyDirty[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirty drains the status dirty set and the usage buffer, reads current
// lease values via the reader, and batch-writes everything in a single
// transaction. On failure, undrained entries are merged back.
func (e *Engine) FlushDirty(reader LeaseReader) error {
	drained := e.dirtyStatuses.Drain()
	usage := e.takeUsage()

	upserts, deletes := classifyDirty(drained, reader)

	if err := e.Repo.FlushTx(FlushOps{
		UpsertStatuses: upserts,
		DeleteStatuses: deletes,
		AppendUsage:    usage,
	}); err != nil {
		e.dirtyStatuses.Merge(drained)
		e.restoreUsage(usage)
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[store] flushed: statuses=%d, usage=%d", len(drained), len(usage))
	return nil
}

func (e *Engine) takeUsage() []model.UsageEvent {
	e.usageMu.Lock()
	out := e.usageBuf
	e.usageBuf = nil
	e.usageMu.Unlock()
	return out
}

func (e *Engine) restoreUsage(events []model.UsageEvent) {
	if len(events) == 0 {
		return
	}
	e.usageMu.Lock()
	e.usageBuf = append(events, e.usageBuf...)
	e.usageMu.Unlock()
}

// Bootstrap opens (or creates) the pool database at dbPath, applies
// migrations, and returns a ready-to-use Engine plus an io.Closer for the DB
// handle.
func Bootstrap(dbPath string) (*Engine, io.Closer, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool db: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate pool db: %w", err)
	}

	return NewEngine(NewRepo(db)), db, nil
}
