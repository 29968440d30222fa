package devbackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPI_TasksLifecycle(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(`{"content":"hello","printerName":"Office Laser"}`))
	require.NoError(t, err)
	var created Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.NotEmpty(t, created.TaskID)
	assert.Equal(t, StatusPending, created.Status)

	var pending []Task
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/tasks/pending", &pending))
	require.Len(t, pending, 1)

	require.True(t, s.SetTaskStatus("", created.TaskID, StatusCompleted))
	pending = nil
	getJSON(t, ts.URL+"/api/tasks/pending", &pending)
	assert.Empty(t, pending)

	var status map[string]any
	getJSON(t, ts.URL+"/api/system/status", &status)
	assert.Equal(t, "1.0.0", status["version"])
	assert.EqualValues(t, 100, status["successRate"])

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/"+created.TaskID, nil)
	dr, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = dr.Body.Close()
	assert.Equal(t, http.StatusOK, dr.StatusCode)

	dr, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = dr.Body.Close()
	assert.Equal(t, http.StatusNotFound, dr.StatusCode)
}

func TestAPI_Printers(t *testing.T) {
	_, ts := newTestServer(t)

	var printers []map[string]string
	getJSON(t, ts.URL+"/api/printers", &printers)
	require.Len(t, printers, 2)
	assert.Equal(t, "Office Laser", printers[0]["name"])

	resp, err := http.Post(ts.URL+"/api/settings/printer", "application/json", strings.NewReader(`{"printerName":""}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/settings/printer", "application/json", strings.NewReader(`{"printerName":"Receipt-80mm"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]any
	getJSON(t, ts.URL+"/api/system/status", &status)
	assert.Equal(t, "Receipt-80mm", status["currentPrinter"])
}

type stompConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialStomp(t *testing.T, ts *httptest.Server, query string) *stompConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/print-ws/websocket" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &stompConn{t: t, conn: conn}
	c.write(frame.New(frame.CONNECT, frame.AcceptVersion, "1.2", frame.Host, "localhost"))
	f := c.read()
	require.Equal(t, frame.CONNECTED, f.Command)
	return c
}

func (c *stompConn) write(f *frame.Frame) {
	var buf bytes.Buffer
	require.NoError(c.t, frame.NewWriter(&buf).Write(f))
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()))
}

func (c *stompConn) read() *frame.Frame {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		f, err := frame.NewReader(bytes.NewReader(msg)).Read()
		if err == io.EOF || f == nil {
			continue
		}
		require.NoError(c.t, err)
		return f
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestBroker_SubscribeAndHeartbeat(t *testing.T) {
	s, ts := newTestServer(t)
	c := dialStomp(t, ts, "")

	c.write(frame.New(frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, "/topic/heartbeat"))
	waitFor(t, func() bool { return s.Subscriptions()["/topic/heartbeat"] == 1 })

	c.write(frame.New(frame.SEND, frame.Destination, "/app/heartbeat"))
	f := c.read()
	assert.Equal(t, frame.MESSAGE, f.Command)
	assert.Equal(t, "/topic/heartbeat", f.Header.Get(frame.Destination))
	assert.Equal(t, "sub-0", f.Header.Get(frame.Subscription))
	assert.Contains(t, string(f.Body), "timestamp")

	c.write(frame.New(frame.UNSUBSCRIBE, frame.Id, "sub-0"))
	waitFor(t, func() bool { return s.Subscriptions()["/topic/heartbeat"] == 0 })
}

func TestBroker_PrintOverStreamPublishesStoreTask(t *testing.T) {
	s, ts := newTestServer(t)
	c := dialStomp(t, ts, "?storeId=42")

	c.write(frame.New(frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, "/topic/store/42/print-tasks"))
	waitFor(t, func() bool { return s.Subscriptions()["/topic/store/42/print-tasks"] == 1 })

	send := frame.New(frame.SEND, frame.Destination, "/app/print", frame.ContentType, "application/json")
	send.Body = []byte(`{"content":"receipt","printerName":"Receipt-80mm"}`)
	c.write(send)

	f := c.read()
	var task Task
	require.NoError(t, json.Unmarshal(f.Body, &task))
	assert.Equal(t, "receipt", task.Content)
	assert.Equal(t, StatusPending, task.Status)
}

func TestBroker_DropConnections(t *testing.T) {
	s, ts := newTestServer(t)
	c := dialStomp(t, ts, "")
	waitFor(t, func() bool { return s.Broker().Sessions() == 1 })

	s.DropConnections()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	waitFor(t, func() bool { return s.Broker().Sessions() == 0 })
}
