package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"chat_backend/internal/cache"
	"chat_backend/internal/domain"
	apperrors "chat_backend/pkg/errors"
)

func TestSendValidation(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "   "}); !errors.Is(err, apperrors.ErrEmptyMessage) {
		t.Errorf("whitespace text: err = %v, want ErrEmptyMessage", err)
	}

	long := strings.Repeat("x", f.cfg.Chat.MaxMessageLength+1)
	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: long}); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("oversized text: err = %v, want ErrBadRequest", err)
	}

	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "mallory", Text: "hi"}); !errors.Is(err, apperrors.ErrNotParticipant) {
		t.Errorf("outsider: err = %v, want ErrNotParticipant", err)
	}
}

func TestSendGatedByRequestState(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStatePending, true)

	// Контрагент не может писать, пока не принял запрос.
	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "bob", Text: "hi"}); !errors.Is(err, apperrors.ErrRequestPending) {
		t.Errorf("pending: err = %v, want ErrRequestPending", err)
	}

	f.rooms.apply("alice_bob", func(r *domain.Room) { r.RequestState = domain.RequestStateRejected })
	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "bob", Text: "hi"}); !errors.Is(err, apperrors.ErrRequestRejected) {
		t.Errorf("rejected: err = %v, want ErrRequestRejected", err)
	}

	// Инициатор в pending писать может.
	f.rooms.apply("alice_bob", func(r *domain.Room) { r.RequestState = domain.RequestStatePending })
	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "still here"}); err != nil {
		t.Errorf("initiator into pending: %v", err)
	}
}

func TestSendBlockedPair(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)
	f.checker.block("alice", "bob")

	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "hi"}); !errors.Is(err, apperrors.ErrBlocked) {
		t.Errorf("blocked pair: err = %v, want ErrBlocked", err)
	}
	if len(f.messages.byRoom("alice_bob")) != 0 {
		t.Error("message persisted despite block")
	}
}

func TestSendReopensRejectedRoom(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateRejected, true)

	// Инициатор пишет в отклоненную комнату: обмен начинается заново,
	// контрагент увидит свежий запрос.
	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "one more try"}); err != nil {
		t.Fatalf("Send into rejected: %v", err)
	}

	room, _ := f.rooms.GetByID(ctx, "alice_bob")
	if room.RequestState != domain.RequestStatePending {
		t.Errorf("state = %q, want pending after reopen", room.RequestState)
	}

	requests, _ := f.roomSvc.ListPendingRequests(ctx, "bob")
	if len(requests) != 1 {
		t.Errorf("pending requests = %d, want 1", len(requests))
	}
}

func TestSendFlipsVisibilityAndCountsUnread(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStatePending, false)

	if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	room, _ := f.rooms.GetByID(ctx, "alice_bob")
	if !room.VisibleToCounterpart {
		t.Error("room not opened to counterpart after first initiator message")
	}
	if room.Unread["bob"] != 1 {
		t.Errorf("receiver unread = %d, want 1", room.Unread["bob"])
	}
	if room.Unread["alice"] != 0 {
		t.Errorf("sender unread = %d, want 0", room.Unread["alice"])
	}
	if room.LastMessage == nil || room.LastMessage.Text != "hello" {
		t.Error("last message not denormalized onto room")
	}
}

func TestConcurrentSendsCountExactly(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	// Параллельные отправители не теряют инкременты друг друга.
	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "ping"}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	room, _ := f.rooms.GetByID(ctx, "alice_bob")
	if room.Unread["bob"] != senders {
		t.Errorf("unread = %d, want exactly %d", room.Unread["bob"], senders)
	}
	if got := len(f.messages.byRoom("alice_bob")); got != senders {
		t.Errorf("messages = %d, want %d", got, senders)
	}
}

func TestOptimisticEchoReconciled(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	msg, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "hi", TempID: "tmp-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Авторитетная запись наблюдена — временная снята, дубликата нет.
	if overlay := f.cache.Overlay(cache.MessagesKey("alice_bob")); len(overlay) != 0 {
		t.Errorf("overlay entries after reconcile = %d, want 0", len(overlay))
	}

	views, err := f.messageSvc.List(ctx, "alice_bob", "alice", 50, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1 (no duplicate)", len(views))
	}
	if views[0].ID != msg.ID.String() {
		t.Errorf("view id = %q, want %q", views[0].ID, msg.ID)
	}
	if views[0].Pending {
		t.Error("confirmed message still marked pending")
	}
}

func TestOptimisticEchoRolledBackOnFailure(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	f.messages.appendErr = errors.New("storage down")

	_, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "hi", TempID: "tmp-1"})
	if err == nil {
		t.Fatal("Send succeeded with failing storage")
	}

	// Неудачная запись не застревает в sent: эхо откатано.
	if overlay := f.cache.Overlay(cache.MessagesKey("alice_bob")); len(overlay) != 0 {
		t.Errorf("overlay entries after rollback = %d, want 0", len(overlay))
	}
}

func TestListPendingEchoAppended(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	// Эхо до подтверждения: видно в списке со статусом sent и флагом pending.
	f.cache.PutOptimistic(cache.MessagesKey("alice_bob"), "tmp-1",
		`{"temp_id":"tmp-1","room_id":"alice_bob","sender_id":"alice","text":"draft","status":"sent","pending":true}`)

	views, err := f.messageSvc.List(ctx, "alice_bob", "alice", 50, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	if !views[0].Pending || views[0].Status != domain.StatusSent {
		t.Errorf("pending view = %+v, want pending sent", views[0])
	}
}

func TestListFirstPageLimitPerReader(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: text}); err != nil {
			t.Fatalf("Send %q: %v", text, err)
		}
	}

	// Читатель с маленькой страницей прогревает кэш первым.
	small, err := f.messageSvc.List(ctx, "alice_bob", "bob", 2, nil)
	if err != nil {
		t.Fatalf("List limit=2: %v", err)
	}
	if len(small) != 2 {
		t.Fatalf("small page = %d, want 2", len(small))
	}

	// Лимит первого читателя не пришпиливается к ключу: следующий с большим
	// лимитом получает всю историю, а не чужую страницу.
	full, err := f.messageSvc.List(ctx, "alice_bob", "bob", 50, nil)
	if err != nil {
		t.Fatalf("List limit=50: %v", err)
	}
	if len(full) != 5 {
		t.Errorf("full page = %d, want 5", len(full))
	}
}

func TestListCursorPageSkipsPendingEcho(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	for _, text := range []string{"m1", "m2", "m3"} {
		if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: text}); err != nil {
			t.Fatalf("Send %q: %v", text, err)
		}
	}
	f.cache.PutOptimistic(cache.MessagesKey("alice_bob"), "tmp-1",
		`{"temp_id":"tmp-1","room_id":"alice_bob","sender_id":"alice","text":"draft","status":"sent","pending":true}`)

	// Эхо принадлежит только хвосту истории: страница из середины идет
	// без него.
	all := f.messages.byRoom("alice_bob")
	cursor := &domain.Cursor{CreatedAt: all[0].CreatedAt, ID: all[0].ID}

	page, err := f.messageSvc.List(ctx, "alice_bob", "bob", 50, cursor)
	if err != nil {
		t.Fatalf("List with cursor: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("cursor page = %d, want 2", len(page))
	}
	for _, view := range page {
		if view.Pending {
			t.Errorf("pending echo leaked into cursor page: %+v", view)
		}
	}

	// На первой странице эхо по-прежнему в хвосте.
	first, err := f.messageSvc.List(ctx, "alice_bob", "bob", 50, nil)
	if err != nil {
		t.Fatalf("List first page: %v", err)
	}
	if len(first) != 4 || !first[3].Pending {
		t.Errorf("first page = %d views, want 4 with pending tail", len(first))
	}
}

func TestListKeysetPagination(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: text}); err != nil {
			t.Fatalf("Send %q: %v", text, err)
		}
	}

	first, err := f.messageSvc.List(ctx, "alice_bob", "bob", 3, nil)
	if err != nil {
		t.Fatalf("List first page: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first page = %d, want 3", len(first))
	}

	// Курсор — последняя запись страницы; следующая страница продолжает
	// без пропусков и повторов.
	all := f.messages.byRoom("alice_bob")
	cursor := &domain.Cursor{CreatedAt: all[2].CreatedAt, ID: all[2].ID}

	second, err := f.messageSvc.List(ctx, "alice_bob", "bob", 3, cursor)
	if err != nil {
		t.Fatalf("List second page: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("second page = %d, want 2", len(second))
	}
	if second[0].Text != "four" || second[1].Text != "five" {
		t.Errorf("second page order: %q, %q", second[0].Text, second[1].Text)
	}
}

func TestListParticipantOnly(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	if _, err := f.messageSvc.List(ctx, "alice_bob", "mallory", 50, nil); !errors.Is(err, apperrors.ErrNotParticipant) {
		t.Errorf("outsider list: err = %v, want ErrNotParticipant", err)
	}
}

func TestSearchScopedToOwnRooms(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)
	f.seedRoom("carol", "dave", domain.RequestStateAccepted, true)

	f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "project deadline"})
	f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: "the Deadline moved"})
	f.messageSvc.Send(ctx, SendInput{RoomID: "carol_dave", SenderID: "carol", Text: "deadline for us too"})

	matches, err := f.messageSvc.Search(ctx, "alice", "deadline")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	// Чужая комната в выдачу не попадает; поиск без учета регистра.
	if len(matches) != 1 || matches["alice_bob"] != 2 {
		t.Errorf("matches = %v, want alice_bob:2", matches)
	}

	empty, _ := f.messageSvc.Search(ctx, "alice", "   ")
	if len(empty) != 0 {
		t.Errorf("blank term matches = %v, want empty", empty)
	}
}

func TestThreeMessagesThenSeen(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.seedRoom("alice", "bob", domain.RequestStateAccepted, true)

	for _, text := range []string{"m1", "m2", "m3"} {
		if _, err := f.messageSvc.Send(ctx, SendInput{RoomID: "alice_bob", SenderID: "alice", Text: text}); err != nil {
			t.Fatalf("Send %q: %v", text, err)
		}
	}

	room, _ := f.rooms.GetByID(ctx, "alice_bob")
	if room.Unread["bob"] != 3 {
		t.Fatalf("unread before open = %d, want 3", room.Unread["bob"])
	}

	// Получатель открывает комнату: все сообщения seen, счетчик обнулен.
	if err := f.receiptSvc.MarkSeen(ctx, "alice_bob", "bob", true); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	room, _ = f.rooms.GetByID(ctx, "alice_bob")
	if room.Unread["bob"] != 0 {
		t.Errorf("unread after open = %d, want 0", room.Unread["bob"])
	}
	for _, msg := range f.messages.byRoom("alice_bob") {
		if msg.Status() != domain.StatusSeen {
			t.Errorf("message %q status = %q, want seen", msg.Text, msg.Status())
		}
	}
}
