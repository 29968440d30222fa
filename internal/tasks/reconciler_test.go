package tasks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/printshell/internal/events"
)

type countingPublisher struct {
	mu sync.Mutex
	n  int
}

func (c *countingPublisher) Publish(e events.Event) {
	if e.Type == events.TasksChanged {
		c.mu.Lock()
		c.n++
		c.mu.Unlock()
	}
}

func rec(id, status string) Record {
	return Record{"taskId": id, "status": status}
}

func ids(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID())
	}
	return out
}

func TestMerge_UnknownInsertsAtFront(t *testing.T) {
	r := New(nil, nil)
	assert.True(t, r.Merge(rec("a", StatusPending)))
	assert.True(t, r.Merge(rec("b", StatusPending)))
	assert.True(t, r.Merge(rec("c", StatusPending)))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"c", "b", "a"}, ids(r.Records()))
}

func TestMerge_KnownKeepsLengthAndPosition(t *testing.T) {
	r := New(nil, nil)
	r.Merge(Record{"taskId": "a", "status": StatusPending, "content": "receipt", "retryCount": 0.0})
	r.Merge(rec("b", StatusPending))

	inserted := r.Merge(Record{"taskId": "a", "status": StatusPrinting, "retryCount": 1.0})
	assert.False(t, inserted)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"b", "a"}, ids(r.Records()))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusPrinting, got.Status())
	assert.Equal(t, 1.0, got["retryCount"])
	assert.Equal(t, "receipt", got["content"], "fields absent from the update survive")
}

func TestMerge_WithoutIDDropped(t *testing.T) {
	r := New(nil, nil)
	assert.False(t, r.Merge(Record{"status": StatusPending}))
	assert.Zero(t, r.Len())
}

func TestMerge_NumericTaskID(t *testing.T) {
	r := New(nil, nil)
	r.Merge(Record{"taskId": float64(42), "status": StatusPending})
	_, ok := r.Get("42")
	assert.True(t, ok)
}

func TestUpdateStatus(t *testing.T) {
	r := New(nil, nil)
	r.Merge(rec("a", StatusPending))

	assert.False(t, r.UpdateStatus("missing", StatusCompleted))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.UpdateStatus("a", StatusCompleted))
	got, _ := r.Get("a")
	assert.Equal(t, StatusCompleted, got.Status())
}

func TestStats(t *testing.T) {
	r := New(nil, nil)
	assert.Equal(t, Stats{}, r.Stats())

	r.Merge(rec("1", StatusPending))
	r.Merge(rec("2", StatusCompleted))
	r.Merge(rec("3", StatusCompleted))
	r.Merge(rec("4", StatusFailed))

	st := r.Stats()
	assert.Equal(t, 4, st.TotalTasks)
	assert.Equal(t, 2, st.CompletedTasks)
	assert.Equal(t, 1, st.PendingTasks)
	assert.Equal(t, 1, st.FailedTasks)
	assert.Equal(t, 50.0, st.SuccessRate)
}

func TestStats_RoundsToOneDecimal(t *testing.T) {
	r := New(nil, nil)
	r.Merge(rec("1", StatusCompleted))
	r.Merge(rec("2", StatusPending))
	r.Merge(rec("3", StatusPrinting))
	st := r.Stats()
	assert.Equal(t, 33.3, st.SuccessRate)
	assert.Equal(t, 1, st.PrintingTasks)
}

func TestResync_MergesWithoutDuplicates(t *testing.T) {
	r := New(nil, nil)
	r.Merge(rec("a", StatusPending))

	added := r.Resync([]Record{rec("x", StatusPending), rec("a", StatusPrinting), rec("y", StatusPending)})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"x", "y", "a"}, ids(r.Records()))
	got, _ := r.Get("a")
	assert.Equal(t, StatusPrinting, got.Status())
}

func TestRecords_ReturnsCopies(t *testing.T) {
	r := New(nil, nil)
	r.Merge(rec("a", StatusPending))
	out := r.Records()
	out[0]["status"] = StatusFailed
	got, _ := r.Get("a")
	assert.Equal(t, StatusPending, got.Status())
}

func TestPublishesTasksChanged(t *testing.T) {
	pub := &countingPublisher{}
	r := New(pub, nil)
	r.Merge(rec("a", StatusPending))
	r.UpdateStatus("a", StatusCompleted)
	r.UpdateStatus("missing", StatusCompleted)
	r.Resync(nil)
	assert.Equal(t, 3, pub.n)
}

func TestConcurrentMerge(t *testing.T) {
	r := New(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Merge(rec(string(rune('a'+j%10)), StatusPending))
				_ = r.Stats()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
}
