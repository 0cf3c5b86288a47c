package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/presencechat/internal/server/mocks"
	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = time.Date(2024, 5, 4, 10, 30, 0, 0, time.UTC)

func connect(t *testing.T, hub *Hub, id string) (*fakeHandle, *Record) {
	t.Helper()
	h := newFakeHandle(id)
	rec, err := hub.Accept(context.Background(), h)
	require.NoError(t, err)
	return h, rec
}

func TestHub_AcceptSendsInitSnapshot(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	messages := store.NewMemory()
	for i := 0; i < 40; i++ {
		req.NoError(messages.Append(ctx, store.NewMessage("alice", fmt.Sprintf("m%02d", i), fixedNow.Add(time.Duration(i)*time.Second))))
	}
	hub, _ := newTestHub(t, messages)

	alice, aliceRec := connect(t, hub, "alice")
	req.NoError(hub.HandleEvent(ctx, aliceRec, loginFrame("alice")))
	alice.events(t)

	bob, _ := connect(t, hub, "bob")
	events := bob.events(t)
	req.Len(events, 1)
	req.Equal(EventInit, events[0].Type)

	init := payloadOf[InitPayload](t, events[0])
	req.Len(init.Messages, 30)
	req.Equal("m10", init.Messages[0].Text)
	req.Equal("m39", init.Messages[29].Text)
	for i := 1; i < len(init.Messages); i++ {
		req.True(init.Messages[i-1].Datetime.Before(init.Messages[i].Datetime))
	}
	req.Equal([]Participant{{Username: "alice"}}, init.Users)
}

func TestHub_AcceptDropsConnectionThatCannotTakeInit(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())

	alice, aliceRec := connect(t, hub, "alice")
	req.NoError(hub.HandleEvent(ctx, aliceRec, loginFrame("alice")))
	alice.events(t)

	stuck := newFakeHandle("stuck")
	stuck.full = true
	rec, err := hub.Accept(ctx, stuck)
	req.ErrorIs(err, ErrPeerUnreachable)
	req.Nil(rec)
	req.True(stuck.isClosed())
	req.Equal(1, hub.Registry().Len())
	req.Equal(float64(1), testutil.ToFloat64(metrics.droppedPeers))

	req.NoError(hub.HandleEvent(ctx, aliceRec, sendFrame("still here")))
	req.Len(ofType(alice.events(t), EventNewMessage), 1)
}

func TestHub_InitStillSentWhenHistoryUnavailable(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockMessageStore(ctrl)
	mockStore.EXPECT().FetchRecent(gomock.Any(), 30).Return(nil, errors.New("store down"))
	hub, _ := newTestHub(t, mockStore)

	h, _ := connect(t, hub, "c1")
	events := h.events(t)
	req.Len(events, 1)
	init := payloadOf[InitPayload](t, events[0])
	req.NotNil(init.Messages)
	req.Empty(init.Messages)
	req.Empty(init.Users)
}

func TestHub_LoginBroadcastsNewUserOnceToEveryone(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())

	alice, aliceRec := connect(t, hub, "alice")
	others := make([]*fakeHandle, 3)
	for i := range others {
		others[i], _ = connect(t, hub, fmt.Sprintf("c%d", i))
	}
	for _, h := range append(others, alice) {
		h.events(t)
	}

	req.NoError(hub.HandleEvent(ctx, aliceRec, loginFrame("  alice ")))

	for _, h := range append(others, alice) {
		events := h.events(t)
		req.Len(events, 1, "connection %s", h.ID())
		req.Equal(EventNewUser, events[0].Type)
		req.Equal(Participant{Username: "alice"}, payloadOf[Participant](t, events[0]))
	}
	req.Equal(float64(1), testutil.ToFloat64(metrics.present))
}

func TestHub_LoginTakenRepliesToSenderOnly(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())

	c1, rec1 := connect(t, hub, "c1")
	c2, rec2 := connect(t, hub, "c2")
	req.NoError(hub.HandleEvent(ctx, rec1, loginFrame("bob")))
	c1.events(t)
	c2.events(t)

	err := hub.HandleEvent(ctx, rec2, loginFrame("bob"))
	req.ErrorIs(err, ErrUsernameTaken)

	req.Empty(c1.events(t))
	events := c2.events(t)
	req.Len(events, 1)
	req.Equal("User is already in use.", events[0].Error)
	_, loggedIn := hub.Registry().Participant(rec2)
	req.False(loggedIn)
	req.Equal(float64(1), testutil.ToFloat64(metrics.rejections.WithLabelValues("username_taken")))

	// the rejected connection can still pick another name
	req.NoError(hub.HandleEvent(ctx, rec2, loginFrame("bobby")))
}

func TestHub_SecondLoginIsRejected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, _ := newTestHub(t, store.NewMemory())

	h, rec := connect(t, hub, "c1")
	req.NoError(hub.HandleEvent(ctx, rec, loginFrame("alice")))
	h.events(t)

	err := hub.HandleEvent(ctx, rec, loginFrame("mallory"))
	req.ErrorIs(err, ErrProtocolViolation)
	events := h.events(t)
	req.Len(events, 1)
	req.Equal("Already logged in.", events[0].Error)
	req.Equal([]Participant{{Username: "alice"}}, hub.Registry().ListPresent())
}

func TestHub_AnonymousSendIsRejected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockMessageStore(ctrl)
	mockStore.EXPECT().FetchRecent(gomock.Any(), gomock.Any()).Return([]store.Message{}, nil).Times(2)
	mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)
	hub, _ := newTestHub(t, mockStore)

	anon, anonRec := connect(t, hub, "anon")
	other, _ := connect(t, hub, "other")
	anon.events(t)
	other.events(t)

	err := hub.HandleEvent(ctx, anonRec, sendFrame("hi"))
	req.ErrorIs(err, ErrProtocolViolation)

	events := anon.events(t)
	req.Len(events, 1)
	req.Equal("Login required.", events[0].Error)
	req.Empty(other.events(t))
}

func TestHub_SendMessageUsesServerIdentityAndClock(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	messages := store.NewMemory()
	hub, _ := newTestHub(t, messages, WithClock(func() time.Time { return fixedNow }))

	c1, rec1 := connect(t, hub, "c1")
	c2, _ := connect(t, hub, "c2")
	req.NoError(hub.HandleEvent(ctx, rec1, loginFrame("bob")))
	c1.events(t)
	c2.events(t)

	spoofed := frame(EventSendMessage, map[string]string{
		"text":     "hi",
		"username": "mallory",
		"datetime": "1999-01-01T00:00:00Z",
	})
	req.NoError(hub.HandleEvent(ctx, rec1, spoofed))

	for _, h := range []*fakeHandle{c1, c2} {
		events := h.events(t)
		req.Len(events, 1)
		req.Equal(EventNewMessage, events[0].Type)
		msg := payloadOf[store.Message](t, events[0])
		req.Equal("bob", msg.Username)
		req.Equal("hi", msg.Text)
		req.True(fixedNow.Equal(msg.Datetime))
	}

	stored, err := messages.FetchRecent(ctx, 10)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("bob", stored[0].Username)
}

func TestHub_AppendFailureStillBroadcastsExactlyOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockMessageStore(ctrl)
	mockStore.EXPECT().FetchRecent(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(appendAttempts)
	hub, metrics := newTestHub(t, mockStore)

	c1, rec1 := connect(t, hub, "c1")
	c2, _ := connect(t, hub, "c2")
	req.NoError(hub.HandleEvent(ctx, rec1, loginFrame("bob")))
	c1.events(t)
	c2.events(t)

	req.NoError(hub.HandleEvent(ctx, rec1, sendFrame("hi")))

	for _, h := range []*fakeHandle{c1, c2} {
		req.Len(ofType(h.events(t), EventNewMessage), 1)
	}
	req.Equal(float64(1), testutil.ToFloat64(metrics.persistenceFailures))
}

func TestHub_AppendRetriesOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockMessageStore(ctrl)
	mockStore.EXPECT().FetchRecent(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	gomock.InOrder(
		mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("busy")),
		mockStore.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil),
	)
	hub, metrics := newTestHub(t, mockStore)

	_, rec := connect(t, hub, "c1")
	req.NoError(hub.HandleEvent(ctx, rec, loginFrame("bob")))
	req.NoError(hub.HandleEvent(ctx, rec, sendFrame("hi")))
	req.Zero(testutil.ToFloat64(metrics.persistenceFailures))
}

func TestHub_DisconnectAnnouncesLogoutByIdentity(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())

	anon1, anon1Rec := connect(t, hub, "anon1")
	alice, aliceRec := connect(t, hub, "alice")
	req.NoError(hub.HandleEvent(ctx, aliceRec, loginFrame("alice")))

	// churn between alice's login and her disconnect
	bob, bobRec := connect(t, hub, "bob")
	req.NoError(hub.HandleEvent(ctx, bobRec, loginFrame("bob")))
	hub.Disconnect(anon1Rec)
	carol, carolRec := connect(t, hub, "carol")
	req.NoError(hub.HandleEvent(ctx, carolRec, loginFrame("carol")))
	for _, h := range []*fakeHandle{anon1, alice, bob, carol} {
		h.events(t)
	}

	hub.Disconnect(aliceRec)

	req.True(alice.isClosed())
	req.Empty(alice.events(t))
	req.Empty(anon1.events(t))
	for _, h := range []*fakeHandle{bob, carol} {
		events := h.events(t)
		req.Len(events, 1)
		req.Equal(EventUserLogout, events[0].Type)
		req.Equal(Participant{Username: "alice"}, payloadOf[Participant](t, events[0]))
	}
	req.Equal([]Participant{{Username: "bob"}, {Username: "carol"}}, hub.Registry().ListPresent())
	req.Equal(float64(2), testutil.ToFloat64(metrics.connections))
	req.Equal(float64(2), testutil.ToFloat64(metrics.present))

	// a second disconnect is a no-op
	hub.Disconnect(aliceRec)
	req.Empty(bob.events(t))
}

func TestHub_AnonymousDisconnectIsSilent(t *testing.T) {
	req := require.New(t)
	hub, _ := newTestHub(t, store.NewMemory())
	_, anonRec := connect(t, hub, "anon")
	other, _ := connect(t, hub, "other")
	other.events(t)

	hub.Disconnect(anonRec)
	req.Empty(other.events(t))
}

func TestHub_LogoutReturnsToAnonymous(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, _ := newTestHub(t, store.NewMemory())
	c1, rec1 := connect(t, hub, "c1")
	c2, _ := connect(t, hub, "c2")

	err := hub.HandleEvent(ctx, rec1, frame(EventLogout, nil))
	req.ErrorIs(err, ErrProtocolViolation)
	req.Equal("Not logged in.", c1.events(t)[1].Error)

	req.NoError(hub.HandleEvent(ctx, rec1, loginFrame("alice")))
	c1.events(t)
	c2.events(t)

	req.NoError(hub.HandleEvent(ctx, rec1, frame(EventLogout, nil)))
	for _, h := range []*fakeHandle{c1, c2} {
		events := h.events(t)
		req.Len(events, 1)
		req.Equal(EventUserLogout, events[0].Type)
	}

	req.ErrorIs(hub.HandleEvent(ctx, rec1, sendFrame("hi")), ErrProtocolViolation)
	req.NoError(hub.HandleEvent(ctx, rec1, loginFrame("alice")))
}

func TestHub_MalformedEventsKeepConnectionUsable(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())
	h, rec := connect(t, hub, "c1")
	h.events(t)

	for _, raw := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"payload":{"username":"x"}}`),
		[]byte(`{"type":"DANCE"}`),
		[]byte(`{"type":"LOGIN"}`),
		[]byte(`{"type":"LOGIN","payload":{"username":"   "}}`),
		[]byte(`{"type":"LOGIN","payload":"alice"}`),
	} {
		err := hub.HandleEvent(ctx, rec, raw)
		req.ErrorIs(err, ErrMalformedEvent, "frame %s", raw)
		events := h.events(t)
		req.Len(events, 1)
		req.Equal("Invalid message", events[0].Error)
	}
	req.Equal(float64(6), testutil.ToFloat64(metrics.rejections.WithLabelValues("malformed")))

	req.NoError(hub.HandleEvent(ctx, rec, loginFrame("alice")))
	err := hub.HandleEvent(ctx, rec, frame(EventSendMessage, map[string]string{"text": ""}))
	req.ErrorIs(err, ErrMalformedEvent)
}

func TestHub_UnreachablePeerIsDroppedWithoutAffectingOthers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, metrics := newTestHub(t, store.NewMemory())

	slow, _ := connect(t, hub, "slow")
	fast, _ := connect(t, hub, "fast")
	_, senderRec := connect(t, hub, "sender")
	req.NoError(hub.HandleEvent(ctx, senderRec, loginFrame("bob")))
	fast.events(t)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	req.NoError(hub.HandleEvent(ctx, senderRec, sendFrame("one")))
	req.NoError(hub.HandleEvent(ctx, senderRec, sendFrame("two")))

	req.True(slow.isClosed())
	req.Len(ofType(fast.events(t), EventNewMessage), 2)
	req.Equal(float64(1), testutil.ToFloat64(metrics.droppedPeers))
}

func TestHub_ConcurrentLoginsSameName(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, _ := newTestHub(t, store.NewMemory())

	const n = 20
	records := make([]*Record, n)
	handles := make([]*fakeHandle, n)
	for i := range records {
		handles[i], records[i] = connect(t, hub, fmt.Sprintf("c%d", i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
	)
	for _, rec := range records {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			err := hub.HandleEvent(ctx, rec, loginFrame("bob"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results["ok"]++
			case errors.Is(err, ErrUsernameTaken):
				results["taken"]++
			default:
				results["other"]++
			}
		}(rec)
	}
	wg.Wait()

	req.Equal(map[string]int{"ok": 1, "taken": n - 1}, results)
	for _, h := range handles {
		req.Len(ofType(h.events(t), EventNewUser), 1)
	}
}

func TestHub_ShutdownClosesConnectionsAndRefusesNewOnes(t *testing.T) {
	req := require.New(t)
	hub, _ := newTestHub(t, store.NewMemory())
	h1, _ := connect(t, hub, "c1")
	h2, _ := connect(t, hub, "c2")

	req.NoError(hub.Shutdown(time.Second))
	req.True(h1.isClosed())
	req.True(h2.isClosed())

	_, err := hub.Accept(context.Background(), newFakeHandle("late"))
	req.ErrorIs(err, ErrConnectionClosed)
}
