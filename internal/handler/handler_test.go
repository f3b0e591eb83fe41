package handler

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/objectstore"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/tasks"
)

func init() {
	logger.Init(logger.Config{Output: io.Discard, Sync: true})
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type nopDispatcher struct{}

func (nopDispatcher) MessageCreated(*model.Message)             {}
func (nopDispatcher) Broadcast(string, string, string, any)     {}
func (nopDispatcher) NotifyUsers(string, []string, string, any) {}

type inlineQueue struct{}

func (inlineQueue) Submit(key, name string, fn tasks.Func) error {
	_ = fn(context.Background())
	return nil
}

type fakePush struct {
	subs map[string]string
}

func (f *fakePush) Enabled() bool { return true }

func (f *fakePush) Subscribe(ctx context.Context, userID string, sub push.PushSubscription) error {
	f.subs[userID] = sub.Endpoint
	return nil
}

func (f *fakePush) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	delete(f.subs, userID)
	return nil
}

type testAPI struct {
	router http.Handler
	store  *memory.Store
	push   *fakePush
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	members := []model.ChannelMember{
		{UserID: "A", Role: model.RoleMember, NotificationPref: model.NotifyAll, JoinedAt: t0},
		{UserID: "B", Role: model.RoleMember, NotificationPref: model.NotifyAll, JoinedAt: t0},
	}
	if err := store.CreateChannel(ctx, &model.Channel{ID: "general", Type: model.ChannelTypeGroup, Name: "general", CreatedAt: t0, LastActivityAt: t0}, members); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateChannel(ctx, &model.Channel{ID: "private-1", Type: model.ChannelTypeGroup, Name: "private", CreatedAt: t0, LastActivityAt: t0}, members[:1]); err != nil {
		t.Fatal(err)
	}

	objects := objectstore.NewLocalDisk(t.TempDir(), "/api/files", 1<<20)
	msgs := service.NewMessageService(service.MessageDeps{
		Channels: store, Messages: store, Attachments: store, Receipts: store,
		Dispatcher: nopDispatcher{}, Uploads: inlineQueue{}, Objects: objects,
	})
	chans := service.NewChannelService(store, store, memory.New(), nopDispatcher{})
	fp := &fakePush{subs: map[string]string{}}
	cfg := &config.Config{MaxMentions: 50, Upload: config.UploadConfig{MaxFiles: 2, MaxSize: 1 << 10}}

	api := API{
		Messages: NewMessageHandler(msgs, cfg.Upload),
		Channels: NewChannelHandler(chans),
		Push:     NewPushHandler(fp),
		Files:    NewFileHandler(objects),
		Config:   NewConfigHandler(cfg),
	}
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.DevPrincipal)
		api.Mount(r)
	})
	return &testAPI{router: r, store: store, push: fp}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *testAPI) do(t *testing.T, user, method, path string, body io.Reader, contentType string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set("X-User-Id", user)
		req.Header.Set("X-User-Name", "user "+user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	var resp response
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, resp
}

func (a *testAPI) json(t *testing.T, user, method, path, body string) (int, response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return a.do(t, user, method, path, r, "application/json")
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestCreateMessageStatuses(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"created", "A", `{"channel_id":"general","content":"hello"}`, http.StatusCreated},
		{"empty content", "A", `{"channel_id":"general","content":"   "}`, http.StatusBadRequest},
		{"bad json", "A", `{"channel_id":`, http.StatusBadRequest},
		{"malformed channel", "A", `{"channel_id":"a b","content":"x"}`, http.StatusBadRequest},
		{"non-member", "B", `{"channel_id":"private-1","content":"x"}`, http.StatusForbidden},
		{"missing channel", "A", `{"channel_id":"nope","content":"x"}`, http.StatusForbidden},
		{"anonymous", "", `{"channel_id":"general","content":"x"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := api.json(t, tt.user, http.MethodPost, "/api/messages", tt.body)
			if status != tt.status {
				t.Fatalf("status = %d (%s), want %d", status, resp.Error, tt.status)
			}
			if status >= 400 && (resp.Success || resp.Error == "") {
				t.Errorf("error envelope = %+v", resp)
			}
		})
	}

	status, resp := api.json(t, "A", http.MethodPost, "/api/messages", `{"channel_id":"general","content":"hi"}`)
	msg := decode[model.Message](t, resp.Data)
	if status != http.StatusCreated || !resp.Success || msg.SenderName != "user A" || msg.ChannelID != "general" {
		t.Errorf("created = %d %+v", status, msg)
	}
}

func multipartBody(t *testing.T, fields map[string][]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range fields {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestCreateMultipartWithFiles(t *testing.T) {
	api := newTestAPI(t)
	body, ct := multipartBody(t,
		map[string][]string{"channel_id": {"general"}, "content": {"see file"}, "mentioned_user_ids": {"B,C", "B"}},
		map[string][]byte{"notes.txt": []byte("hello file")},
	)
	status, resp := api.do(t, "A", http.MethodPost, "/api/messages", body, ct)
	if status != http.StatusCreated {
		t.Fatalf("status = %d (%s)", status, resp.Error)
	}
	msg := decode[model.Message](t, resp.Data)
	if msg.AttachmentsPending != 1 {
		t.Errorf("attachments pending = %d", msg.AttachmentsPending)
	}
	if len(msg.MentionedUserIDs) != 2 || msg.MentionedUserIDs[0] != "B" || msg.MentionedUserIDs[1] != "C" {
		t.Errorf("mentions = %v", msg.MentionedUserIDs)
	}

	// загрузка прошла в inline-очереди: вложение видно в истории и отдаётся по ссылке
	_, resp = api.json(t, "A", http.MethodGet, "/api/messages?channel_id=general", "")
	page := decode[model.Page[model.Message]](t, resp.Data)
	if len(page.Items) != 1 || len(page.Items[0].Attachments) != 1 {
		t.Fatalf("page = %+v", page)
	}
	att := page.Items[0].Attachments[0]
	req := httptest.NewRequest(http.MethodGet, att.URL, nil)
	req.Header.Set("X-User-Id", "B")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello file" {
		t.Errorf("file serve = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateMultipartLimits(t *testing.T) {
	api := newTestAPI(t)

	body, ct := multipartBody(t, map[string][]string{"channel_id": {"general"}},
		map[string][]byte{"a.txt": []byte("a"), "b.txt": []byte("b"), "c.txt": []byte("c")})
	if status, _ := api.do(t, "A", http.MethodPost, "/api/messages", body, ct); status != http.StatusBadRequest {
		t.Errorf("too many files status = %d", status)
	}

	body, ct = multipartBody(t, map[string][]string{"channel_id": {"general"}},
		map[string][]byte{"big.txt": bytes.Repeat([]byte("x"), 2<<10)})
	if status, _ := api.do(t, "A", http.MethodPost, "/api/messages", body, ct); status != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized file status = %d", status)
	}
	if n := api.store.MessageCount(); n != 0 {
		t.Errorf("rejected uploads stored %d messages", n)
	}
}

func TestListMessages(t *testing.T) {
	api := newTestAPI(t)
	for _, c := range []string{"one", "two", "three"} {
		api.json(t, "A", http.MethodPost, "/api/messages", `{"channel_id":"general","content":"`+c+`"}`)
	}

	status, resp := api.json(t, "B", http.MethodGet, "/api/messages?channel_id=general&limit=2", "")
	page := decode[model.Page[model.Message]](t, resp.Data)
	if status != http.StatusOK || len(page.Items) != 2 || page.Total != 3 || !page.HasMore || page.Items[0].Content != "one" {
		t.Errorf("page = %d %+v", status, page)
	}

	_, resp = api.json(t, "B", http.MethodGet, "/api/messages?channel_id=general&search=THR", "")
	page = decode[model.Page[model.Message]](t, resp.Data)
	if len(page.Items) != 1 || page.Items[0].Content != "three" {
		t.Errorf("search = %+v", page)
	}
	// пробелы в search значимы: " t" не совпадает с "two"/"three"
	_, resp = api.json(t, "B", http.MethodGet, "/api/messages?channel_id=general&search=%20t", "")
	if page = decode[model.Page[model.Message]](t, resp.Data); page.Total != 0 {
		t.Errorf("search with leading space = %+v", page)
	}
	_, resp = api.json(t, "B", http.MethodGet, "/api/messages?channel_id=general&search=", "")
	if page = decode[model.Page[model.Message]](t, resp.Data); page.Total != 3 || page.Items[0].Content != "three" {
		t.Errorf("empty search = %+v", page)
	}

	tests := []struct {
		query  string
		user   string
		status int
	}{
		{"", "B", http.StatusBadRequest},
		{"channel_id=general&limit=abc", "B", http.StatusBadRequest},
		{"channel_id=general&offset=-1", "B", http.StatusBadRequest},
		{"channel_id=private-1", "B", http.StatusForbidden},
		{"trash=true&page=0", "B", http.StatusOK},
		{"trash=true&page=-1", "B", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if status, resp := api.json(t, tt.user, http.MethodGet, "/api/messages?"+tt.query, ""); status != tt.status {
			t.Errorf("?%s: status = %d (%s), want %d", tt.query, status, resp.Error, tt.status)
		}
	}
}

func TestMessageLifecycle(t *testing.T) {
	api := newTestAPI(t)
	_, resp := api.json(t, "A", http.MethodPost, "/api/messages", `{"channel_id":"general","content":"draft"}`)
	id := decode[model.Message](t, resp.Data).ID

	if status, _ := api.json(t, "B", http.MethodPut, "/api/messages/"+id, `{"content":"hijack"}`); status != http.StatusForbidden {
		t.Errorf("edit by other = %d", status)
	}
	status, resp := api.json(t, "A", http.MethodPut, "/api/messages/"+id, `{"content":"final"}`)
	if msg := decode[model.Message](t, resp.Data); status != http.StatusOK || msg.Content != "final" || msg.EditedAt == nil {
		t.Errorf("edit = %d %+v", status, msg)
	}

	if status, _ := api.json(t, "B", http.MethodPost, "/api/messages/"+id+"/read", ""); status != http.StatusCreated {
		t.Errorf("first read = %d", status)
	}
	if status, _ := api.json(t, "B", http.MethodPost, "/api/messages/"+id+"/read", ""); status != http.StatusOK {
		t.Errorf("second read = %d", status)
	}
	_, resp = api.json(t, "A", http.MethodGet, "/api/messages/"+id+"/receipts", "")
	if receipts := decode[[]model.ReadReceipt](t, resp.Data); len(receipts) != 1 || receipts[0].UserID != "B" {
		t.Errorf("receipts = %+v", receipts)
	}

	status, resp = api.json(t, "A", http.MethodDelete, "/api/messages/"+id+"?reason=typo", "")
	if msg := decode[model.Message](t, resp.Data); status != http.StatusOK || !msg.IsTrashed {
		t.Errorf("trash = %d %+v", status, msg)
	}
	_, resp = api.json(t, "A", http.MethodGet, "/api/messages?trash=true", "")
	if page := decode[model.Page[model.Message]](t, resp.Data); len(page.Items) != 1 || page.Items[0].Trash == nil {
		t.Errorf("trash list = %+v", page)
	}
	if status, _ := api.json(t, "A", http.MethodPut, "/api/messages/"+id, `{"content":"again"}`); status != http.StatusNotFound {
		t.Errorf("edit trashed = %d", status)
	}
	if status, _ := api.json(t, "A", http.MethodPost, "/api/messages/"+id+"/restore", ""); status != http.StatusOK {
		t.Errorf("restore = %d", status)
	}

	if status, _ := api.json(t, "A", http.MethodPost, "/api/messages/00000000-0000-0000-0000-000000000000/read", ""); status != http.StatusNotFound {
		t.Errorf("read missing = %d", status)
	}
}

func TestChannelEndpoints(t *testing.T) {
	api := newTestAPI(t)

	status, resp := api.json(t, "A", http.MethodPost, "/api/channels", `{"type":"direct","member_ids":["B"]}`)
	if status != http.StatusCreated {
		t.Fatalf("create dm = %d (%s)", status, resp.Error)
	}
	dm := decode[model.Channel](t, resp.Data)
	status, resp = api.json(t, "B", http.MethodPost, "/api/channels", `{"type":"direct","member_ids":["A"]}`)
	if again := decode[model.Channel](t, resp.Data); status != http.StatusOK || again.ID != dm.ID {
		t.Errorf("repeat dm = %d %+v", status, again)
	}
	if status, _ := api.json(t, "A", http.MethodPost, "/api/channels", `{"type":"direct","member_ids":["B","C"]}`); status != http.StatusBadRequest {
		t.Errorf("dm with 3 members = %d", status)
	}

	_, resp = api.json(t, "A", http.MethodGet, "/api/channels", "")
	if list := decode[[]model.ChannelSummary](t, resp.Data); len(list) != 3 {
		t.Errorf("channels = %+v", list)
	}

	if status, _ := api.json(t, "B", http.MethodGet, "/api/channels/private-1/members", ""); status != http.StatusForbidden {
		t.Errorf("members as non-member = %d", status)
	}
	if status, resp := api.json(t, "A", http.MethodPut, "/api/channels/general/prefs", `{"notification_pref":"mentions"}`); status != http.StatusOK {
		t.Errorf("prefs = %d (%s)", status, resp.Error)
	}
	if status, _ := api.json(t, "A", http.MethodPost, "/api/channels/general/read", ""); status != http.StatusOK {
		t.Errorf("channel read = %d", status)
	}

	if status, _ := api.json(t, "B", http.MethodPost, "/api/channels/general/typing", ""); status != http.StatusNoContent {
		t.Errorf("typing = %d", status)
	}
	_, resp = api.json(t, "A", http.MethodGet, "/api/channels/general/typing", "")
	if got := decode[map[string][]string](t, resp.Data); len(got["user_ids"]) != 1 || got["user_ids"][0] != "B" {
		t.Errorf("typing users = %v", got)
	}
}

func TestPushSubscribe(t *testing.T) {
	api := newTestAPI(t)
	body := `{"subscription":{"endpoint":"https://push.example.com/x","keys":{"p256dh":"k","auth":"a"}}}`
	if status, resp := api.json(t, "A", http.MethodPost, "/api/push/subscribe", body); status != http.StatusNoContent {
		t.Fatalf("subscribe = %d (%s)", status, resp.Error)
	}
	if api.push.subs["A"] != "https://push.example.com/x" {
		t.Errorf("subs = %v", api.push.subs)
	}
	if status, _ := api.json(t, "A", http.MethodPost, "/api/push/subscribe", `{"subscription":{"endpoint":"nope"}}`); status != http.StatusBadRequest {
		t.Errorf("invalid subscription = %d", status)
	}
	if status, _ := api.json(t, "A", http.MethodPost, "/api/push/unsubscribe", `{"endpoint":"https://push.example.com/x"}`); status != http.StatusNoContent {
		t.Errorf("unsubscribe = %d", status)
	}
}

func TestClientConfig(t *testing.T) {
	api := newTestAPI(t)
	_, resp := api.json(t, "A", http.MethodGet, "/api/config", "")
	got := decode[clientConfig](t, resp.Data)
	if got.MaxFiles != 2 || got.MaxMentions != 50 || got.PushEnabled {
		t.Errorf("config = %+v", got)
	}
}

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		deps   map[string]Pinger
		status int
	}{
		{map[string]Pinger{"db": pingErr{}}, http.StatusOK},
		{map[string]Pinger{"db": pingErr{}, "redis": pingErr{io.ErrClosedPipe}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		NewHealthHandler(tt.deps).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != tt.status {
			t.Errorf("health = %d, want %d", rec.Code, tt.status)
		}
	}
}
