package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/teamchat/internal/fanout"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/objectstore"
	"github.com/teamchat/internal/pubsub"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/tasks"
)

func init() {
	logger.Init(logger.Config{Output: io.Discard, Sync: true})
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	alice = model.Principal{ID: "A", Name: "Alice", Email: "alice@example.com", AvatarURL: "/a.png", Role: "manager"}
	bob   = model.Principal{ID: "B", Name: "Bob", Email: "bob@example.com"}
	carol = model.Principal{ID: "C", Name: "Carol", Email: "carol@example.com"}
)

type broadcastCall struct {
	channelID, exclude, eventType string
	payload                       any
}

type notifyCall struct {
	key       string
	userIDs   []string
	eventType string
	payload   any
}

type recordingDispatcher struct {
	mu         sync.Mutex
	created    []model.Message
	broadcasts []broadcastCall
	notified   []notifyCall
}

func (d *recordingDispatcher) MessageCreated(msg *model.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, *msg)
}

func (d *recordingDispatcher) Broadcast(channelID, exclude, eventType string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts = append(d.broadcasts, broadcastCall{channelID, exclude, eventType, payload})
}

func (d *recordingDispatcher) NotifyUsers(key string, userIDs []string, eventType string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, notifyCall{key, userIDs, eventType, payload})
}

func (d *recordingDispatcher) events(eventType string) []broadcastCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []broadcastCall
	for _, b := range d.broadcasts {
		if b.eventType == eventType {
			out = append(out, b)
		}
	}
	return out
}

// inlineQueue выполняет задачу сразу в вызывающей горутине; ошибка задачи, как и в
// настоящей очереди, вызывающему не возвращается.
type inlineQueue struct{}

func (inlineQueue) Submit(key, name string, fn tasks.Func) error {
	_ = fn(context.Background())
	return nil
}

type fixture struct {
	store    *memory.Store
	presence *memory.Client
	disp     *recordingDispatcher
	msgs     *MessageService
	chans    *ChannelService
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		presence: memory.New(),
		disp:     &recordingDispatcher{},
		clock:    t0,
	}
	now := func() time.Time { return f.clock }
	f.msgs = NewMessageService(MessageDeps{
		Channels:    f.store,
		Messages:    f.store,
		Attachments: f.store,
		Receipts:    f.store,
		Dispatcher:  f.disp,
		Uploads:     inlineQueue{},
		Objects:     objectstore.NewLocalDisk(t.TempDir(), "/files", 1<<20),
		MaxMentions: 3,
	})
	f.msgs.SetClock(now)
	f.chans = NewChannelService(f.store, f.store, f.presence, f.disp)
	f.chans.SetClock(now)
	f.presence.SetClock(now)
	return f
}

func member(id string, role model.MemberRole) model.ChannelMember {
	return model.ChannelMember{UserID: id, Role: role, NotificationPref: model.NotifyAll, LastReadAt: t0.Add(-time.Hour), JoinedAt: t0.Add(-time.Hour)}
}

func (f *fixture) seed(t *testing.T, id string, adminOnly bool, members ...model.ChannelMember) {
	t.Helper()
	ch := &model.Channel{
		ID: id, Type: model.ChannelTypeGroup, Name: id, AdminOnlyPost: adminOnly,
		CreatedAt: t0.Add(-time.Hour), LastActivityAt: t0.Add(-time.Hour),
	}
	if err := f.store.CreateChannel(context.Background(), ch, members); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) post(t *testing.T, p model.Principal, channelID, content string) *model.Message {
	t.Helper()
	msg, err := f.msgs.Create(context.Background(), p, CreateMessageInput{ChannelID: channelID, Content: content})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return msg
}

type recordingBus struct {
	mu  sync.Mutex
	got map[string][]pubsub.Event
}

func (b *recordingBus) Publish(ctx context.Context, topic string, ev pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.got == nil {
		b.got = map[string][]pubsub.Event{}
	}
	b.got[topic] = append(b.got[topic], ev)
	return nil
}

func (b *recordingBus) count(topic, eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.got[topic] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func TestCreateBroadcastsAndMentions(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	err := store.CreateChannel(ctx, &model.Channel{ID: "general", Type: model.ChannelTypeGroup, LastActivityAt: t0.Add(-time.Hour)},
		[]model.ChannelMember{member("A", model.RoleMember), member("B", model.RoleMember), member("C", model.RoleMember)})
	if err != nil {
		t.Fatal(err)
	}
	bus := &recordingBus{}
	disp := fanout.New(bus, store, inlineQueue{}, nil, fanout.Config{})
	svc := NewMessageService(MessageDeps{
		Channels: store, Messages: store, Attachments: store, Receipts: store, Dispatcher: disp,
	})
	svc.SetClock(func() time.Time { return t0 })

	msg, err := svc.Create(ctx, alice, CreateMessageInput{
		ChannelID:        "general",
		Content:          "hello @B",
		ContentType:      model.ContentTypeText,
		MentionedUserIDs: []string{"B"},
	})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := store.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SenderID != "A" || stored.SenderName != "Alice" || stored.SenderEmail != "alice@example.com" ||
		stored.SenderAvatar != "/a.png" || stored.SenderRole != "manager" {
		t.Errorf("sender snapshot = %+v", stored)
	}
	ch, _ := store.GetChannel(ctx, "general")
	if !ch.LastActivityAt.Equal(t0) {
		t.Errorf("last activity = %v", ch.LastActivityAt)
	}

	if n := bus.count(pubsub.ChannelTopic("general"), fanout.EventMessageCreated); n != 1 {
		t.Errorf("channel topic events = %d", n)
	}
	for user, want := range map[string]int{"A": 0, "B": 1, "C": 1} {
		if n := bus.count(pubsub.UserTopic(user), fanout.EventMessageCreated); n != want {
			t.Errorf("user %s message.created = %d, want %d", user, n, want)
		}
	}
	if n := bus.count(pubsub.UserTopic("B"), fanout.EventMention); n != 1 {
		t.Fatalf("B mentions = %d", n)
	}
	var p fanout.MentionPayload
	if err := bus.got[pubsub.UserTopic("B")][1].DecodePayload(&p); err != nil || p.Preview != "hello @B" {
		t.Errorf("mention preview = %q, err %v", p.Preview, err)
	}
	if n := bus.count(pubsub.UserTopic("C"), fanout.EventMention); n != 0 {
		t.Errorf("C mentions = %d", n)
	}

	for user, want := range map[string]int{"A": 0, "B": 1, "C": 1} {
		m, _ := store.GetMember(ctx, "general", user)
		if m.UnreadCount != want {
			t.Errorf("unread %s = %d, want %d", user, m.UnreadCount, want)
		}
	}
}

func TestCreateByNonMemberIsDenied(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "private-1", false, member("A", model.RoleOwner), member("B", model.RoleMember))

	for _, channelID := range []string{"private-1", "no-such-channel"} {
		_, err := f.msgs.Create(context.Background(), carol, CreateMessageInput{ChannelID: channelID, Content: "hi"})
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("%s: err = %v, want ErrAccessDenied", channelID, err)
		}
	}
	if n := f.store.MessageCount(); n != 0 {
		t.Errorf("message rows = %d", n)
	}
	if len(f.disp.created)+len(f.disp.broadcasts) != 0 {
		t.Error("denied create was dispatched")
	}
	if _, err := f.msgs.List(context.Background(), carol, ListQuery{ChannelID: "private-1"}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("list err = %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "general", false, member("A", model.RoleMember))
	f.seed(t, "other", false, member("A", model.RoleMember))
	foreign := f.post(t, alice, "other", "elsewhere")
	missing := "00000000-0000-0000-0000-000000000000"

	tests := []struct {
		name string
		in   CreateMessageInput
	}{
		{"empty", CreateMessageInput{ChannelID: "general", Content: "   "}},
		{"malformed channel", CreateMessageInput{ChannelID: "bad id", Content: "x"}},
		{"missing channel", CreateMessageInput{Content: "x"}},
		{"content type", CreateMessageInput{ChannelID: "general", Content: "x", ContentType: "video"}},
		{"too many mentions", CreateMessageInput{ChannelID: "general", Content: "x", MentionedUserIDs: []string{"1", "2", "3", "4"}}},
		{"parent elsewhere", CreateMessageInput{ChannelID: "general", Content: "x", ParentMessageID: &foreign.ID}},
		{"thread missing", CreateMessageInput{ChannelID: "general", Content: "x", ThreadID: &missing}},
	}
	for _, tt := range tests {
		_, err := f.msgs.Create(context.Background(), alice, tt.in)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v, want ValidationError", tt.name, err)
		}
	}

	msg, err := f.msgs.Create(context.Background(), alice, CreateMessageInput{
		ChannelID: "general", Content: "x", MentionedUserIDs: []string{"B", "B", " B ", "C"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.MentionedUserIDs) != 2 || msg.ContentType != model.ContentTypeText {
		t.Errorf("msg = %+v", msg)
	}
}

func TestAdminOnlyPost(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "announcements", true, member("A", model.RoleAdmin), member("B", model.RoleMember))

	_, err := f.msgs.Create(context.Background(), bob, CreateMessageInput{ChannelID: "announcements", Content: "hi"})
	if !errors.Is(err, ErrAdminOnly) {
		t.Errorf("member post err = %v, want ErrAdminOnly", err)
	}
	f.post(t, alice, "announcements", "release at 18:00")
}

func TestSenderFieldsAreSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "general", false, member("A", model.RoleMember))
	f.post(t, alice, "general", "before rename")

	renamed := alice
	renamed.Name, renamed.Email = "Alicia", "alicia@example.com"
	f.clock = t0.Add(time.Minute)
	f.post(t, renamed, "general", "after rename")

	page, err := f.msgs.List(context.Background(), renamed, ListQuery{ChannelID: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d", len(page.Items))
	}
	if page.Items[0].SenderName != "Alice" || page.Items[0].SenderEmail != "alice@example.com" {
		t.Errorf("first message sender = %s <%s>", page.Items[0].SenderName, page.Items[0].SenderEmail)
	}
	if page.Items[1].SenderName != "Alicia" {
		t.Errorf("second message sender = %s", page.Items[1].SenderName)
	}
}

func TestListModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember))
	contents := []string{"Budget 100%", "lunch?", "budget_v2 draft", "BUDGET review", "done"}
	var ids []string
	for i, c := range contents {
		f.clock = t0.Add(time.Duration(i) * time.Minute)
		ids = append(ids, f.post(t, alice, "general", c).ID)
	}

	page, err := f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || !page.HasMore || page.Limit != 2 || page.Offset != 1 ||
		page.Items[0].ID != ids[1] || page.Items[1].ID != ids[2] {
		t.Errorf("default page = %+v", page)
	}
	for _, m := range page.Items {
		if m.Attachments == nil {
			t.Error("attachments not loaded")
		}
	}

	page, _ = f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Limit: 500})
	if page.Limit != MaxPageLimit {
		t.Errorf("limit = %d, want clamp to %d", page.Limit, MaxPageLimit)
	}

	page, err = f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Search: "budget"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || page.Items[0].ID != ids[3] || page.Items[2].ID != ids[0] {
		t.Errorf("search newest first = %+v", page.Items)
	}
	page, _ = f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Search: "%"})
	if page.Total != 1 || page.Items[0].ID != ids[0] {
		t.Errorf("literal %% search = %+v", page.Items)
	}
	page, _ = f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Search: "_"})
	if page.Total != 1 || page.Items[0].ID != ids[2] {
		t.Errorf("literal _ search = %+v", page.Items)
	}

	if _, err := f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Offset: -1}); err == nil {
		t.Error("negative offset accepted")
	}
}

func TestSearchKeepsWhitespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember))
	f.post(t, alice, "general", "ab")
	f.clock = t0.Add(time.Minute)
	spaced := f.post(t, alice, "general", "a b")

	page, err := f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Search: " b", Searching: true})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].ID != spaced.ID {
		t.Errorf("search \" b\" = %+v, want only %q", page.Items, spaced.Content)
	}

	// пустой search= тоже поиск: все сообщения, новые первыми
	page, _ = f.msgs.List(ctx, bob, ListQuery{ChannelID: "general", Searching: true})
	if page.Total != 2 || page.Items[0].ID != spaced.ID {
		t.Errorf("empty search = %+v", page.Items)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember))
	msg := f.post(t, alice, "general", "read me")

	f.clock = t0.Add(time.Minute)
	_, created, err := f.msgs.MarkRead(ctx, bob, msg.ID)
	if err != nil || !created {
		t.Fatalf("first MarkRead created=%v err=%v", created, err)
	}
	f.clock = t0.Add(2 * time.Minute)
	_, created, err = f.msgs.MarkRead(ctx, bob, msg.ID)
	if err != nil || created {
		t.Fatalf("second MarkRead created=%v err=%v", created, err)
	}

	receipts, err := f.msgs.Receipts(ctx, alice, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].UserID != "B" || !receipts[0].ReadAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("receipts = %+v", receipts)
	}
	if n := len(f.disp.events(fanout.EventMessageRead)); n != 1 {
		t.Errorf("message.read events = %d", n)
	}
	m, _ := f.store.GetMember(ctx, "general", "B")
	if m.UnreadCount != 0 || !m.LastReadAt.Equal(msg.CreatedAt) {
		t.Errorf("member after read = %+v", m)
	}

	if _, _, err := f.msgs.MarkRead(ctx, carol, msg.ID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("non-member MarkRead err = %v", err)
	}
	if _, _, err := f.msgs.MarkRead(ctx, bob, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message err = %v", err)
	}
}

func TestMarkChannelRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember))
	f.post(t, alice, "general", "one")
	f.post(t, alice, "general", "two")

	f.clock = t0.Add(time.Hour)
	if err := f.msgs.MarkChannelRead(ctx, bob, "general"); err != nil {
		t.Fatal(err)
	}
	m, _ := f.store.GetMember(ctx, "general", "B")
	if m.UnreadCount != 0 || !m.LastReadAt.Equal(f.clock) {
		t.Errorf("member = %+v", m)
	}
}

func TestTrashAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember), member("M", model.RoleAdmin))
	msg := f.post(t, alice, "general", "oops")

	if _, err := f.msgs.Trash(ctx, bob, msg.ID, "spam"); !errors.Is(err, ErrForbiddenAction) {
		t.Fatalf("non-author trash err = %v", err)
	}

	trashed, err := f.msgs.Trash(ctx, alice, msg.ID, "typo")
	if err != nil {
		t.Fatal(err)
	}
	if !trashed.IsTrashed || *trashed.TrashedBy != "A" || *trashed.TrashReason != "typo" ||
		trashed.Trash.DaysRemaining != 30 || !trashed.Trash.ExpiresAt.Equal(t0.Add(model.TrashRetention)) {
		t.Errorf("trashed = %+v trash %+v", trashed, trashed.Trash)
	}
	if _, err := f.msgs.Trash(ctx, alice, msg.ID, "again"); err != nil {
		t.Fatal(err)
	}
	if n := len(f.disp.events(fanout.EventMessageTrashed)); n != 1 {
		t.Errorf("message.trashed events = %d, want 1", n)
	}

	page, _ := f.msgs.List(ctx, alice, ListQuery{ChannelID: "general"})
	if page.Total != 0 {
		t.Errorf("trashed message still listed")
	}

	f.clock = t0.Add(10*24*time.Hour + time.Hour)
	page, err = f.msgs.List(ctx, alice, ListQuery{Trash: true})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].Trash == nil || page.Items[0].Trash.DaysRemaining != 20 {
		t.Errorf("trash page = %+v", page)
	}
	if page, _ := f.msgs.List(ctx, bob, ListQuery{Trash: true}); page.Total != 0 {
		t.Errorf("bob sees alice's trash")
	}

	restored, err := f.msgs.Restore(ctx, alice, msg.ID)
	if err != nil || restored.IsTrashed {
		t.Fatalf("restore = %+v, %v", restored, err)
	}
	if n := len(f.disp.events(fanout.EventMessageRestored)); n != 1 {
		t.Errorf("message.restored events = %d", n)
	}

	// модератор может удалить чужое; после 30 дней восстановить нельзя
	f.clock = t0
	if _, err := f.msgs.Trash(ctx, model.Principal{ID: "M"}, msg.ID, ""); err != nil {
		t.Fatal(err)
	}
	f.clock = t0.Add(model.TrashRetention)
	_, err = f.msgs.Restore(ctx, alice, msg.ID)
	if !errors.Is(err, ErrTrashExpired) || !errors.Is(err, ErrNotFound) {
		t.Errorf("restore after expiry err = %v", err)
	}
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleOwner))
	msg := f.post(t, alice, "general", "helo")

	if _, err := f.msgs.Edit(ctx, bob, msg.ID, "hijack"); !errors.Is(err, ErrForbiddenAction) {
		t.Errorf("edit by other err = %v", err)
	}
	if _, err := f.msgs.Edit(ctx, alice, msg.ID, "  "); err == nil {
		t.Error("empty edit accepted")
	}

	f.clock = t0.Add(time.Minute)
	edited, err := f.msgs.Edit(ctx, alice, msg.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "hello" || edited.EditedAt == nil || !edited.EditedAt.Equal(f.clock) {
		t.Errorf("edited = %+v", edited)
	}
	ev := f.disp.events(fanout.EventMessageUpdated)
	if len(ev) != 1 || ev[0].exclude != "A" {
		t.Errorf("message.updated = %+v", ev)
	}

	if _, err := f.msgs.Trash(ctx, alice, msg.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.msgs.Edit(ctx, alice, msg.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("edit trashed err = %v", err)
	}
}

func TestCreateWithFilesUploadsInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "general", false, member("A", model.RoleMember), member("B", model.RoleMember))

	msg, err := f.msgs.Create(ctx, alice, CreateMessageInput{
		ChannelID: "general",
		Files: []FileInput{
			{Name: "notes.txt", MimeType: "text/plain", Data: []byte("minutes")},
			{Name: "setup.exe", Data: []byte("MZ")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ContentType != model.ContentTypeFile || msg.AttachmentsPending != 2 {
		t.Errorf("msg = %+v", msg)
	}

	done := f.disp.events(fanout.EventAttachmentsCompleted)
	if len(done) != 1 {
		t.Fatalf("attachments.completed events = %d", len(done))
	}
	p := done[0].payload.(fanout.AttachmentsCompletedPayload)
	if len(p.Results) != 2 || !p.Results[0].OK || p.Results[0].Attachment == nil ||
		p.Results[1].OK || p.Results[1].Error != objectstore.ErrBlockedType.Error() {
		t.Errorf("results = %+v", p.Results)
	}

	page, _ := f.msgs.List(ctx, bob, ListQuery{ChannelID: "general"})
	if len(page.Items) != 1 || len(page.Items[0].Attachments) != 1 || page.Items[0].Attachments[0].FileName != "notes.txt" {
		t.Errorf("listed attachments = %+v", page.Items)
	}
}

type rejectingQueue struct{}

func (rejectingQueue) Submit(string, string, tasks.Func) error { return tasks.ErrQueueFull }

func TestUploadQueueFullReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.msgs.uploads = rejectingQueue{}
	f.seed(t, "general", false, member("A", model.RoleMember))

	msg, err := f.msgs.Create(context.Background(), alice, CreateMessageInput{
		ChannelID: "general", Content: "see attached",
		Files: []FileInput{{Name: "a.txt", Data: []byte("a")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.AttachmentsPending != 1 {
		t.Errorf("pending = %d", msg.AttachmentsPending)
	}
	done := f.disp.events(fanout.EventAttachmentsCompleted)
	if len(done) != 1 || done[0].payload.(fanout.AttachmentsCompletedPayload).Results[0].OK {
		t.Errorf("completion = %+v", done)
	}
}
