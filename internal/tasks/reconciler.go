// Package tasks keeps the session's task collection in sync with events
// streamed from the backend.
package tasks

import (
	"log/slog"
	"math"
	"sync"

	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/metrics"
)

// Stats is derived from the current collection on every call.
type Stats struct {
	TotalTasks     int     `json:"totalTasks"`
	PendingTasks   int     `json:"pendingTasks"`
	PrintingTasks  int     `json:"printingTasks"`
	CompletedTasks int     `json:"completedTasks"`
	FailedTasks    int     `json:"failedTasks"`
	SuccessRate    float64 `json:"successRate"`
}

// Reconciler merges task records into a most-recent-first collection keyed
// by taskId. It never evicts.
type Reconciler struct {
	mu    sync.RWMutex
	order []string // front is most recent
	byID  map[string]Record

	events events.Publisher
	log    *slog.Logger
}

func New(pub events.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		byID:   make(map[string]Record),
		events: pub,
		log:    logger.With("component", "tasks"),
	}
}

// Merge overwrites the known record's fields with rec's, keeping its
// position, or inserts rec at the front. Records without a taskId are
// dropped. It reports whether a new record was inserted.
func (r *Reconciler) Merge(rec Record) bool {
	id := rec.ID()
	if id == "" {
		r.log.Warn("dropping task record without taskId")
		return false
	}
	r.mu.Lock()
	inserted := r.mergeLocked(id, rec)
	n := len(r.order)
	r.mu.Unlock()
	r.changed(n)
	return inserted
}

func (r *Reconciler) mergeLocked(id string, rec Record) bool {
	if cur, ok := r.byID[id]; ok {
		for k, v := range rec {
			cur[k] = v
		}
		return false
	}
	r.byID[id] = rec.Clone()
	r.order = append([]string{id}, r.order...)
	return true
}

// UpdateStatus sets the status of a known task. Unknown ids are ignored,
// since status updates can arrive before the task itself.
func (r *Reconciler) UpdateStatus(id, status string) bool {
	r.mu.Lock()
	cur, ok := r.byID[id]
	if ok {
		cur["status"] = status
	}
	n := len(r.order)
	r.mu.Unlock()
	if !ok {
		r.log.Debug("status for unknown task ignored", "task_id", id, "status", status)
		return false
	}
	r.changed(n)
	return true
}

// Resync merges a full refresh from the backend, such as the pending list
// fetched after a reconnect. recs is in display order, so the first record
// ends up at the front. It returns how many records were new.
func (r *Reconciler) Resync(recs []Record) int {
	added := 0
	r.mu.Lock()
	for i := len(recs) - 1; i >= 0; i-- {
		id := recs[i].ID()
		if id == "" {
			continue
		}
		if r.mergeLocked(id, recs[i]) {
			added++
		}
	}
	n := len(r.order)
	r.mu.Unlock()
	r.changed(n)
	return added
}

// Records returns copies of all records, most recent first.
func (r *Reconciler) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Get returns a copy of the record with the given id.
func (r *Reconciler) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Stats counts records by status. SuccessRate is completed/total as a
// percentage with one decimal, 0 for an empty collection.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *Reconciler) statsLocked() Stats {
	var s Stats
	s.TotalTasks = len(r.order)
	for _, id := range r.order {
		switch r.byID[id].Status() {
		case StatusPending:
			s.PendingTasks++
		case StatusPrinting:
			s.PrintingTasks++
		case StatusCompleted:
			s.CompletedTasks++
		case StatusFailed:
			s.FailedTasks++
		}
	}
	if s.TotalTasks > 0 {
		rate := float64(s.CompletedTasks) / float64(s.TotalTasks) * 100
		s.SuccessRate = math.Round(rate*10) / 10
	}
	return s
}

func (r *Reconciler) changed(count int) {
	st := r.Stats()
	metrics.SetTaskCounts(map[string]int{
		StatusPending:   st.PendingTasks,
		StatusPrinting:  st.PrintingTasks,
		StatusCompleted: st.CompletedTasks,
		StatusFailed:    st.FailedTasks,
	})
	if r.events != nil {
		r.events.Publish(events.New(events.TasksChanged, events.TasksChangedPayload{Count: count}))
	}
}
