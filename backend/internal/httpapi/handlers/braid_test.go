package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
	"github.com/braid-org/braid-text-sub000/backend/internal/ws"
)

func newTestRouter(t *testing.T) (*gin.Engine, *collab.TextService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewTextService(collab.Options{})
	t.Cleanup(func() { svc.Close() })
	manager := ws.NewManager(ws.NewHub(), svc, nil, collab.NewSemaphoreControl(4))
	return Router(svc, manager), svc
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPutThenGet(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPut, "/braid/notes/a", `{"version":["hi-0"],"parents":[],"body":"x"}`, nil)
	assert.Equal(t, w.Code, http.StatusOK)
	w = do(r, http.MethodPut, "/braid/notes/a",
		`{"version":["hi-1"],"parents":["hi-0"],"patches":[{"start":1,"end":1,"content":"y"}]}`, nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Header().Get("Version"), `"hi-1"`)

	w = do(r, http.MethodGet, "/braid/notes/a", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Body.String(), "xy")
	assert.Equal(t, w.Header().Get("Version"), `"hi-1"`)
	assert.Equal(t, w.Header().Get("Repr-Digest"), collab.Digest("xy"))

	// 历史版本
	w = do(r, http.MethodGet, "/braid/notes/a", "", map[string]string{"Version": `"hi-0"`})
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Body.String(), "x")

	// 增量
	w = do(r, http.MethodGet, "/braid/notes/a?parents=hi-0", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	var inc struct {
		Version []string        `json:"version"`
		Updates []collab.Update `json:"updates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &inc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, inc.Version, []string{"hi-1"})
	assert.Equal(t, len(inc.Updates), 1)
	assert.Equal(t, inc.Updates[0].Patches[0].Content, "y")

	w = do(r, http.MethodGet, "/keys", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(w.Body.String(), "notes/a"), true)
}

func TestHeadVersionCheck(t *testing.T) {
	r, _ := newTestRouter(t)
	do(r, http.MethodPut, "/braid/doc", `{"version":["a-1"],"parents":[],"body":"ab"}`, nil)

	w := do(r, http.MethodHead, "/braid/doc", "", map[string]string{"Version": `"a-1"`})
	assert.Equal(t, w.Code, http.StatusOK)
	w = do(r, http.MethodHead, "/braid/doc", "", map[string]string{"Version": `"a-0"`})
	assert.Equal(t, w.Code, http.StatusOK)
	w = do(r, http.MethodHead, "/braid/doc", "", map[string]string{"Version": `"a-2"`})
	assert.Equal(t, w.Code, StatusVersionUnknown)
}

func TestPutErrors(t *testing.T) {
	r, _ := newTestRouter(t)
	do(r, http.MethodPut, "/braid/doc", `{"version":["a-1"],"parents":[],"body":"ab"}`, nil)

	// 未知版本
	w := do(r, http.MethodGet, "/braid/doc", "", map[string]string{"Version": `"zz-3"`})
	assert.Equal(t, w.Code, StatusVersionUnknown)
	assert.Equal(t, strings.Contains(w.Header().Get("Missing-Versions"), "zz-"), true)

	// 越界
	w = do(r, http.MethodPut, "/braid/doc",
		`{"version":["b-0"],"parents":["a-1"],"patches":[{"start":5,"end":6,"content":""}]}`, nil)
	assert.Equal(t, w.Code, http.StatusBadRequest)

	// 非法 JSON
	w = do(r, http.MethodPut, "/braid/doc", `{"version":`, nil)
	assert.Equal(t, w.Code, http.StatusBadRequest)

	// 摘要不符
	w = do(r, http.MethodPut, "/braid/doc",
		`{"version":["c-0"],"parents":["a-1"],"patches":[{"start":2,"end":2,"content":"c"}]}`,
		map[string]string{"Repr-Digest": collab.Digest("nope")})
	assert.Equal(t, w.Code, http.StatusConflict)
	assert.Equal(t, w.Header().Get("Retry"), "no")

	w = do(r, http.MethodGet, "/braid/doc", "", nil)
	assert.Equal(t, w.Body.String(), "ab")
}

func TestDelete(t *testing.T) {
	r, _ := newTestRouter(t)
	do(r, http.MethodPut, "/braid/doc", `{"version":["a-0"],"parents":[],"body":"a"}`, nil)

	w := do(r, http.MethodDelete, "/braid/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)

	w = do(r, http.MethodGet, "/braid/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Body.String(), "")
}

// memArchive 是内存里的归档，替代 MySQL
type memArchive struct {
	mu   sync.Mutex
	rows map[string][]store.TextSnapshot
}

func (m *memArchive) SaveSnapshot(_ context.Context, key string, version []string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = append(m.rows[key], store.TextSnapshot{ResourceKey: key, Version: strings.Join(version, ","), Content: content})
	return nil
}

func (m *memArchive) LatestSnapshot(_ context.Context, key string) (*store.TextSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[key]
	if len(rows) == 0 {
		return nil, store.ErrNoSnapshot
	}
	row := rows[len(rows)-1]
	return &row, nil
}

func (m *memArchive) DeleteSnapshots(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func TestSnapshotRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := collab.NewTextService(collab.Options{Snapshots: &memArchive{rows: make(map[string][]store.TextSnapshot)}})
	defer svc.Close()
	r := Router(svc, nil)

	w := do(r, http.MethodGet, "/snapshot/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusNotFound)

	do(r, http.MethodPut, "/braid/doc", `{"version":["a-1"],"parents":[],"body":"ok"}`, nil)
	w = do(r, http.MethodPost, "/snapshot/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)

	w = do(r, http.MethodGet, "/snapshot/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Header().Get("Version"), `"a-1"`)
	var snap struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, snap.Content, "ok")

	do(r, http.MethodDelete, "/braid/doc", "", nil)
	w = do(r, http.MethodGet, "/snapshot/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusNotFound)

	// 没有 manager 时不提供订阅
	w = do(r, http.MethodGet, "/ws/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusNotImplemented)
}

type fakePresence map[string][]string

func (f fakePresence) Subscribers(_ context.Context, key string) ([]string, error) {
	return f[key], nil
}

func (f fakePresence) Keys(_ context.Context) ([]string, error) {
	var keys []string
	for k := range f {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestSubscribersRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := collab.NewTextService(collab.Options{})
	defer svc.Close()

	w := do(Router(svc, nil), http.MethodGet, "/subscribers/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusNotImplemented)

	h := NewHandler(svc, nil)
	h.Presence = fakePresence{"doc": {"p1", "p2"}}
	r := h.Engine()
	w = do(r, http.MethodGet, "/subscribers/doc", "", nil)
	assert.Equal(t, w.Code, http.StatusOK)
	var got struct {
		Peers []string `json:"peers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, got.Peers, []string{"p1", "p2"})

	w = do(r, http.MethodGet, "/keys", "", nil)
	assert.Equal(t, strings.Contains(w.Body.String(), `"subscribed":["doc"]`), true)
}

func TestMissingKey(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/braid/", "", nil)
	assert.Equal(t, w.Code, http.StatusBadRequest)
}

func TestWebSocketSubscribe(t *testing.T) {
	r, svc := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	if _, err := svc.Put(ctx, "doc", collab.PutRequest{Version: []string{"a-0"}, Parents: []string{}, Body: strPtr("a")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc?peer=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() ws.ServerMessage {
		t.Helper()
		var m ws.ServerMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}

	welcome := read()
	assert.Equal(t, welcome.Type, "welcome")
	assert.Equal(t, welcome.Peer, "p1")

	initial := read()
	assert.Equal(t, initial.Type, "update")
	assert.Equal(t, initial.Version, []string{"a-0"})

	put := ws.ClientMessage{Type: "put", ID: "1", Version: []string{"p1-0"}, Parents: []string{"a-0"},
		Patches: []patch.Patch{{Start: 1, End: 1, Content: "b"}}}
	if err := conn.WriteJSON(put); err != nil {
		t.Fatalf("write: %v", err)
	}
	// 自己的编辑只回 ack，不回显
	ack := read()
	assert.Equal(t, ack.Type, "ack")
	assert.Equal(t, ack.ID, "1")

	// 其他 peer 的编辑被推送
	if _, err := svc.Put(ctx, "doc", collab.PutRequest{
		Version: []string{"p2-0"},
		Parents: []string{"p1-0"},
		Patches: []patch.Patch{{Start: 2, End: 2, Content: "c"}},
		Peer:    "p2",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	pushed := read()
	assert.Equal(t, pushed.Type, "update")
	assert.Equal(t, pushed.Version, []string{"p2-0"})
	assert.Equal(t, pushed.Parents, []string{"p1-0"})

	body, err := svc.Get(ctx, "doc", collab.GetRequest{})
	assert.Equal(t, err, nil)
	assert.Equal(t, body.Body, "abc")
}

func strPtr(s string) *string { return &s }
