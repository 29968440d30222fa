package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/printshell/internal/devbackend"
	"github.com/loykin/printshell/internal/events"
)

type readyPort struct {
	mu    sync.Mutex
	port  int
	ready bool
}

func (r *readyPort) ReadyPort() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port, r.ready
}

type storeID string

func (s storeID) StoreID(context.Context) (string, error) { return string(s), nil }

type eventLog struct {
	ch chan events.Event
}

func (l *eventLog) Publish(e events.Event) {
	select {
	case l.ch <- e:
	default:
	}
}

func (l *eventLog) next(t *testing.T, want events.EventType) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-l.ch:
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return events.Event{}
		}
	}
}

type harness struct {
	dev    *devbackend.Server
	client *Client
	log    *eventLog
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, store string) *harness {
	t.Helper()
	dev := devbackend.New(devbackend.Options{Printers: []string{"Kitchen"}})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	h := &harness{dev: dev, log: &eventLog{ch: make(chan events.Event, 256)}, done: make(chan error, 1)}
	h.client = New(&readyPort{port: port, ready: true}, storeID(store), Config{
		Host:           "127.0.0.1",
		ReconnectDelay: 100 * time.Millisecond,
		StompHeartbeat: 200 * time.Millisecond,
		Events:         h.log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) waitSubscribed(t *testing.T, topics []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		subs := h.dev.Subscriptions()
		for _, tp := range topics {
			if subs[tp] != 1 {
				return false
			}
		}
		return len(subs) == len(topics)
	}, 5*time.Second, 20*time.Millisecond, "subscriptions: %v", h.dev.Subscriptions())
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{
		"/topic/store/s1/print-tasks",
		"/topic/store/s1/print-status",
		TopicPrintStatus, TopicPrintErrors, TopicHeartbeat,
	}, Topics("s1"))
	assert.Equal(t, []string{TopicPrintStatus, TopicPrintErrors, TopicHeartbeat}, Topics(""))
}

func TestConnectSubscribesStoreAndGlobalTopics(t *testing.T) {
	h := start(t, "s1")
	conn := h.log.next(t, events.ConnectionChanged)
	assert.Equal(t, events.ConnectionPayload{Connected: true}, conn.Payload)
	assert.True(t, h.client.Connected())
	assert.Len(t, h.client.Topics(), 5)
	h.waitSubscribed(t, Topics("s1"))
}

func TestConnectWithoutStoreIsGlobalOnly(t *testing.T) {
	h := start(t, "")
	h.log.next(t, events.ConnectionChanged)
	h.waitSubscribed(t, Topics(""))
}

func TestRelaysTaskStatusAndErrorEvents(t *testing.T) {
	h := start(t, "s1")
	h.waitSubscribed(t, Topics("s1"))

	require.NoError(t, h.dev.Publish(StoreTaskTopic("s1"), map[string]any{"taskId": "t1", "status": "PENDING", "content": "x"}))
	task := h.log.next(t, events.TaskReceived).Payload.(events.TaskPayload)
	assert.Equal(t, "t1", task.Record["taskId"])

	require.NoError(t, h.dev.Publish(TopicPrintStatus, map[string]any{"taskId": "t1", "status": "COMPLETED"}))
	st := h.log.next(t, events.TaskStatusChanged).Payload.(events.StatusPayload)
	assert.Equal(t, events.StatusPayload{TaskID: "t1", Status: "COMPLETED"}, st)

	require.NoError(t, h.dev.Publish(StoreStatusTopic("s1"), map[string]any{"taskId": "t1", "status": "FAILED"}))
	st = h.log.next(t, events.TaskStatusChanged).Payload.(events.StatusPayload)
	assert.Equal(t, "FAILED", st.Status)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := start(t, "s1")
	h.waitSubscribed(t, Topics("s1"))

	h.dev.PublishRaw(TopicPrintErrors, []byte("{oops"))
	h.dev.PublishRaw(StoreTaskTopic("s1"), []byte(`{"status":"PENDING"}`))
	require.NoError(t, h.dev.Publish(TopicPrintErrors, map[string]any{"taskId": "t9", "error": "paper jam"}))

	e := h.log.next(t, events.PrintError).Payload.(events.ErrorPayload)
	assert.Equal(t, "paper jam", e.Info["error"])
	assert.True(t, h.client.Connected(), "malformed input must not drop the connection")
	select {
	case extra := <-h.log.ch:
		if extra.Type == events.TaskReceived {
			t.Fatalf("task without id was relayed: %+v", extra)
		}
	default:
	}
}

func TestReconnectResubscribesExactlyOnce(t *testing.T) {
	h := start(t, "s1")
	first := h.log.next(t, events.ConnectionChanged)
	require.Equal(t, events.ConnectionPayload{Connected: true}, first.Payload)
	h.waitSubscribed(t, Topics("s1"))
	require.Equal(t, 1, h.dev.Broker().Connects())

	h.dev.DropConnections()

	down := h.log.next(t, events.ConnectionChanged)
	assert.Equal(t, events.ConnectionPayload{Connected: false}, down.Payload)
	up := h.log.next(t, events.ConnectionChanged)
	assert.Equal(t, events.ConnectionPayload{Connected: true}, up.Payload)

	h.waitSubscribed(t, Topics("s1"))
	assert.Equal(t, 2, h.client.Sessions())

	require.NoError(t, h.dev.Publish(TopicPrintStatus, map[string]any{"taskId": "t1", "status": "PRINTING"}))
	h.log.next(t, events.TaskStatusChanged)
	select {
	case e := <-h.log.ch:
		if e.Type == events.TaskStatusChanged {
			t.Fatalf("status delivered twice after reconnect")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendPrint(t *testing.T) {
	offline := New(&readyPort{}, nil, Config{})
	assert.True(t, errors.Is(offline.SendPrint("x", ""), ErrNotConnected))
	assert.True(t, errors.Is(offline.SendHeartbeat(), ErrNotConnected))

	h := start(t, "s1")
	h.waitSubscribed(t, Topics("s1"))
	require.NoError(t, h.client.SendPrint("receipt body", "Kitchen"))

	task := h.log.next(t, events.TaskReceived).Payload.(events.TaskPayload)
	assert.Equal(t, "receipt body", task.Record["content"])
	assert.Equal(t, "Kitchen", task.Record["printerName"])
}

func TestWaitsForBackend(t *testing.T) {
	ports := &readyPort{}
	c := New(ports, nil, Config{ReconnectDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, c.Connected())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}
