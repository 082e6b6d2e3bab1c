package registry

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrNotFound is returned when a worker name has no live record.
var ErrNotFound = errors.New("worker not registered")

// Registry provides the worker-table operations on top of a Store. It is
// constructed once per process and injected into whatever needs it; there
// is no ambient singleton.
type Registry struct {
	store Store

	// now is replaceable in tests to step time without sleeping.
	now func() time.Time
}

// New creates a registry over the given store.
func New(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
	}
}

// Register creates or replaces the record for a worker. Re-registering an
// existing name updates the record in place, so a restarted worker keeps
// its identity; List never yields two records for one name.
func (r *Registry) Register(rec WorkerRecord) error {
	if rec.Name == "" {
		return errors.New("worker name required")
	}
	return r.store.Update(func(doc *Document) error {
		now := unixFloat(r.now())
		rec.RegisteredAt = now
		rec.LastHeartbeatAt = now
		if rec.Status == "" {
			rec.Status = StatusStarting
		}
		stored := rec
		doc.Workers[rec.Name] = &stored
		log.Printf("registry: registered %s (pid %d)", rec.Name, rec.PID)
		return nil
	})
}

// Heartbeat refreshes a worker's liveness timestamp and, when metadata is
// non-nil, replaces its metadata. The timestamp never moves backward.
func (r *Registry) Heartbeat(name string, metadata map[string]any) error {
	return r.store.Update(func(doc *Document) error {
		rec, ok := doc.Workers[name]
		if !ok {
			return fmt.Errorf("heartbeat %s: %w", name, ErrNotFound)
		}
		ts := unixFloat(r.now())
		if ts > rec.LastHeartbeatAt {
			rec.LastHeartbeatAt = ts
		}
		rec.Status = StatusRunning
		if metadata != nil {
			rec.Metadata = metadata
		}
		return nil
	})
}

// SetStatus updates only the status field of an existing record.
func (r *Registry) SetStatus(name string, status Status) error {
	return r.store.Update(func(doc *Document) error {
		rec, ok := doc.Workers[name]
		if !ok {
			return fmt.Errorf("set status %s: %w", name, ErrNotFound)
		}
		rec.Status = status
		return nil
	})
}

// Unregister removes a worker's record. Removing an absent name is not an
// error.
func (r *Registry) Unregister(name string) error {
	return r.store.Update(func(doc *Document) error {
		if _, ok := doc.Workers[name]; ok {
			delete(doc.Workers, name)
			log.Printf("registry: unregistered %s", name)
		}
		return nil
	})
}

// List returns all records, including stale ones. Callers that want only
// live workers should use ListLive.
func (r *Registry) List() ([]WorkerRecord, error) {
	var out []WorkerRecord
	err := r.store.View(func(doc *Document) error {
		for name, rec := range doc.Workers {
			cp := *rec
			cp.Name = name
			out = append(out, cp)
		}
		return nil
	})
	return out, err
}

// ListLive returns records whose process is alive and heartbeat fresh. A
// record whose process has exited is treated as absent regardless of its
// heartbeat age.
func (r *Registry) ListLive() ([]WorkerRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := all[:0]
	for _, rec := range all {
		if rec.Healthy(now) {
			live = append(live, rec)
		}
	}
	return live, nil
}

// Get returns the record for name, or ErrNotFound.
func (r *Registry) Get(name string) (WorkerRecord, error) {
	var out WorkerRecord
	err := r.store.View(func(doc *Document) error {
		rec, ok := doc.Workers[name]
		if !ok {
			return fmt.Errorf("get %s: %w", name, ErrNotFound)
		}
		out = *rec
		out.Name = name
		return nil
	})
	return out, err
}

// IsHealthy reports whether name has a record, its process is alive, and
// its heartbeat is fresh. An absent record is simply unhealthy, not an
// error; absence and failure stay distinguishable through Get.
func (r *Registry) IsHealthy(name string) bool {
	rec, err := r.Get(name)
	if err != nil {
		return false
	}
	return rec.Healthy(r.now())
}

// Cleanup marks stale running records as crashed and removes records whose
// process no longer exists. Only the supervisor calls this; workers and
// clients never mutate records they do not own.
func (r *Registry) Cleanup() error {
	return r.store.Update(func(doc *Document) error {
		now := r.now()
		for name, rec := range doc.Workers {
			if !PIDAlive(rec.PID) {
				delete(doc.Workers, name)
				log.Printf("registry: removed %s (pid %d gone)", name, rec.PID)
				continue
			}
			if rec.Status == StatusRunning && rec.Stale(now) {
				rec.Status = StatusCrashed
				log.Printf("registry: %s marked crashed (heartbeat %.1fs old)",
					name, unixFloat(now)-rec.LastHeartbeatAt)
			}
		}
		return nil
	})
}
