package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

func message(from, room int64, text string) *proto.Envelope {
	return proto.New(proto.KindMessage).WithFromID(from).WithRoomID(room).WithText(text)
}

func TestRoomConversation(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")

	alice, _ := h.login(t, "alice", "pw-a")
	bob, _ := h.login(t, "bob", "pw-b")

	alice.send(proto.New(proto.KindCreateRoom).WithFromID(aliceID))
	created := alice.expect(proto.KindAccepted)
	roomID := created.RoomID
	if roomID == store.GlobalRoomID {
		t.Fatalf("created room reused the global id")
	}

	alice.send(proto.New(proto.KindInviteUser).WithFromID(aliceID).WithToID(bobID).WithRoomID(roomID))
	joined := alice.expect(proto.KindNewRoomMember)
	if joined.ToID != bobID || joined.RoomID != roomID {
		t.Fatalf("unexpected join notification: %+v", joined)
	}
	alice.expect(proto.KindAccepted)
	if ev := bob.expect(proto.KindNewRoomMember); ev.RoomID != roomID {
		t.Fatalf("bob got %+v", ev)
	}

	alice.send(message(aliceID, roomID, "hello bob"))
	for _, c := range []*testClient{alice, bob} {
		got := c.expect(proto.KindMessage)
		if got.Text != "hello bob" || got.FromID != aliceID || got.RoomID != roomID {
			t.Fatalf("unexpected broadcast: %+v", got)
		}
		if !got.CreationTime.Equal(testEpoch) {
			t.Fatalf("creation time %v, want %v", got.CreationTime, testEpoch)
		}
	}
	alice.expect(proto.KindAccepted)

	bob.send(proto.New(proto.KindMessageHistory).WithRoomID(roomID))
	hist := bob.expect(proto.KindAccepted)
	if len(hist.History) != 1 || hist.History[0].Text != "hello bob" || hist.History[0].FromID != aliceID {
		t.Fatalf("unexpected history: %+v", hist.History)
	}

	bob.send(proto.New(proto.KindRoomMembers).WithRoomID(roomID))
	members := bob.expect(proto.KindAccepted)
	if fmt.Sprint(members.IDs) != fmt.Sprint([]int64{aliceID, bobID}) {
		t.Fatalf("unexpected members: %v", members.IDs)
	}

	bob.send(proto.New(proto.KindRoomList).WithFromID(bobID))
	list := bob.expect(proto.KindAccepted)
	if fmt.Sprint(list.IDs) != fmt.Sprint([]int64{store.GlobalRoomID, roomID}) {
		t.Fatalf("unexpected room list: %v", list.IDs)
	}

	stored, err := h.store.LoadClient(context.Background(), bobID)
	if err != nil || !stored.Rooms.Has(roomID) {
		t.Fatalf("invitee room set not persisted: %+v %v", stored, err)
	}

	alice.send(proto.New(proto.KindUninviteUser).WithFromID(aliceID).WithToID(bobID).WithRoomID(roomID))
	if ev := alice.expect(proto.KindMemberLeftRoom); ev.ToID != bobID {
		t.Fatalf("unexpected leave notification: %+v", ev)
	}
	alice.expect(proto.KindAccepted)
	bob.expect(proto.KindMemberLeftRoom)

	bob.send(message(bobID, roomID, "still here?"))
	if got := bob.expect(proto.KindDenied); got.Text == "" {
		t.Fatalf("denial must carry a reason")
	}
}

func TestRegistrationAddsGlobalMembership(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "carol", "pw")

	room, err := h.store.LoadRoom(context.Background(), store.GlobalRoomID)
	if err != nil {
		t.Fatalf("load global room: %v", err)
	}
	if !room.Members.Has(id) || !room.Members.Has(h.adminID) {
		t.Fatalf("global room members = %v", room.Members.Sorted())
	}
	c, err := h.store.LoadClient(context.Background(), id)
	if err != nil || !c.Rooms.Has(store.GlobalRoomID) || c.DisplayName != "carol" {
		t.Fatalf("unexpected client record: %+v %v", c, err)
	}

	dup := h.connect(t)
	dup.send(proto.New(proto.KindRegistration).WithCredentials("carol", "other"))
	dup.expect(proto.KindDenied)
}

func TestBanLifecycle(t *testing.T) {
	h := newHarness(t)
	bobID := h.register(t, "bob", "pw-b")
	admin, _ := h.login(t, superLogin, superPassword)

	until := testEpoch.Add(time.Hour)
	admin.send(proto.New(proto.KindClientBan).WithFromID(h.adminID).WithToID(bobID).WithUntil(until))
	if got := admin.expect(proto.KindAccepted); !got.Until.Equal(until) {
		t.Fatalf("ban reply until = %v", got.Until)
	}

	admin.send(proto.New(proto.KindClientBan).WithFromID(h.adminID).WithToID(bobID).WithUntil(until.Add(time.Hour)))
	admin.expect(proto.KindDenied)

	bob := h.connect(t)
	bob.send(proto.New(proto.KindAuth).WithCredentials("bob", "pw-b"))
	denied := bob.expect(proto.KindDenied)
	if !denied.Until.Equal(until) {
		t.Fatalf("denial must carry the ban expiry, got %v", denied.Until)
	}

	h.clock.Add(2 * time.Hour)
	bob.send(proto.New(proto.KindAuth).WithCredentials("bob", "pw-b"))
	bob.expect(proto.KindAccepted)

	rec, err := h.store.LoadClient(context.Background(), bobID)
	if err != nil {
		t.Fatalf("load bob: %v", err)
	}
	if rec.Banned || rec.BannedUntil != nil {
		t.Fatalf("lapsed ban not cleared in store: %+v", rec)
	}
}

func TestBanKicksLiveSession(t *testing.T) {
	h := newHarness(t)
	bobID := h.register(t, "bob", "pw-b")
	admin, _ := h.login(t, superLogin, superPassword)
	bob, _ := h.login(t, "bob", "pw-b")

	until := testEpoch.Add(time.Hour)
	admin.send(proto.New(proto.KindClientBan).WithFromID(h.adminID).WithToID(bobID).WithUntil(until))
	admin.expect(proto.KindAccepted)

	kick := bob.expect(proto.KindKick)
	if !kick.Until.Equal(until) {
		t.Fatalf("kick until = %v", kick.Until)
	}
	bob.waitClosed()
	if h.hub.Registry().Online(bobID) {
		t.Fatalf("banned client still online")
	}

	admin.send(proto.New(proto.KindClientUnban).WithFromID(h.adminID).WithToID(bobID))
	admin.expect(proto.KindAccepted)
	h.login(t, "bob", "pw-b")
}

func TestAdminCannotBeBanned(t *testing.T) {
	h := newHarness(t)
	admin, _ := h.login(t, superLogin, superPassword)

	admin.send(proto.New(proto.KindClientBan).WithFromID(h.adminID).WithToID(h.adminID).WithUntil(testEpoch.Add(time.Hour)))
	admin.expect(proto.KindDenied)
}

func TestNonAdminCannotBan(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(proto.New(proto.KindClientBan).WithFromID(aliceID).WithToID(bobID).WithUntil(testEpoch.Add(time.Hour)))
	alice.expect(proto.KindDenied)
}

func TestMalformedFramesCloseUnauthenticatedSession(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	for i := 0; i < 3; i++ {
		c.sendRaw([]byte("not json"))
		c.expect(proto.KindError)
	}
	c.expect(proto.KindKick)
	c.waitClosed()
}

func TestMalformedFrameKeepsAuthenticatedSession(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	for i := 0; i < 5; i++ {
		alice.sendRaw([]byte(`{"kind":"MESSAGE","fromId":"x"}`))
		alice.expect(proto.KindError)
	}
	alice.send(proto.New(proto.KindRoomList).WithFromID(id))
	alice.expect(proto.KindAccepted)
}

func TestRequestsBeforeAuthAreDenied(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	c.send(proto.New(proto.KindRoomList).WithFromID(1))
	c.expect(proto.KindDenied)
	c.send(proto.New(proto.KindAuth).WithCredentials(superLogin, "wrong"))
	c.expect(proto.KindDenied)
	c.send(proto.New(proto.KindAuth).WithCredentials(superLogin, superPassword))
	c.expect(proto.KindAccepted)
}

func TestActorMustMatchSession(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(message(bobID, store.GlobalRoomID, "spoofed"))
	alice.expect(proto.KindDenied)

	alice.send(message(aliceID, 77, "nowhere"))
	if got := alice.expect(proto.KindError); got.Text != "room 77 not found" {
		t.Fatalf("unexpected error text %q", got.Text)
	}
}

func TestServerKindFromClientIsRejected(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(proto.Kick("nope"))
	alice.expect(proto.KindError)
}

func TestSecondLoginReplacesSession(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "alice", "pw-a")
	first, _ := h.login(t, "alice", "pw-a")
	second, _ := h.login(t, "alice", "pw-a")

	first.expect(proto.KindKick)
	first.waitClosed()

	s, ok := h.hub.Registry().Session(id)
	if !ok {
		t.Fatalf("replacement session not online")
	}
	second.send(proto.New(proto.KindRoomList).WithFromID(id))
	second.expect(proto.KindAccepted)
	if s.State() != StateAuthenticated {
		t.Fatalf("unexpected state %v", s.State())
	}
}

func TestResumeWithToken(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "alice", "pw-a")

	c := h.connect(t)
	c.send(proto.New(proto.KindAuth).WithCredentials("alice", "pw-a"))
	acc := c.expect(proto.KindAccepted)
	if acc.Token == "" || acc.ToID != id || acc.Text != "alice" {
		t.Fatalf("unexpected AUTH reply: %+v", acc)
	}

	resumed := h.connect(t)
	resumed.send(proto.New(proto.KindAuth).WithToken(acc.Token))
	if got := resumed.expect(proto.KindAccepted); got.ToID != id {
		t.Fatalf("token resumed client %d, want %d", got.ToID, id)
	}

	bad := h.connect(t)
	bad.send(proto.New(proto.KindAuth).WithToken("garbage"))
	bad.expect(proto.KindDenied)
}

func TestClientQueries(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(proto.New(proto.KindGetClientName).WithToID(bobID))
	if got := alice.expect(proto.KindAccepted); got.Text != "bob" {
		t.Fatalf("name = %q", got.Text)
	}
	alice.send(proto.New(proto.KindGetClientName).WithToID(999))
	alice.expect(proto.KindError)

	alice.send(proto.New(proto.KindAddFriend).WithFromID(aliceID).WithToID(bobID))
	alice.expect(proto.KindAccepted)
	alice.send(proto.New(proto.KindAddFriend).WithFromID(aliceID).WithToID(bobID))
	alice.expect(proto.KindDenied)
	alice.send(proto.New(proto.KindAddFriend).WithFromID(aliceID).WithToID(aliceID))
	alice.expect(proto.KindDenied)

	rec, err := h.store.LoadClient(context.Background(), aliceID)
	if err != nil || !rec.Friends.Has(bobID) {
		t.Fatalf("friend not persisted: %+v %v", rec, err)
	}
}

func TestServerControl(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(proto.New(proto.KindStopServer))
	alice.expect(proto.KindDenied)

	ops := h.connect(t)
	ops.send(proto.New(proto.KindRestartServer).WithCredentials(superLogin, superPassword))
	ops.expect(proto.KindAccepted)
	eventually(t, "restart request", func() bool { return h.control.restarts.Load() == 1 })

	admin, _ := h.login(t, superLogin, superPassword)
	admin.send(proto.New(proto.KindStopServer))
	admin.expect(proto.KindAccepted)
	eventually(t, "stop request", func() bool { return h.control.stops.Load() == 1 })
}

func TestIdleSessionIsReaped(t *testing.T) {
	h := newHarness(t)
	bobID := h.register(t, "bob", "pw-b")
	bob, _ := h.login(t, "bob", "pw-b")

	// The friend is only on the resident copy; reaping must persist it.
	h.store.FailSaves(true)
	bob.send(proto.New(proto.KindAddFriend).WithFromID(bobID).WithToID(h.adminID))
	bob.expect(proto.KindError)
	h.store.FailSaves(false)

	h.clock.Add(2 * time.Minute)
	res := h.hub.Reaper().Sweep(context.Background())
	if res.Kicked != 1 {
		t.Fatalf("expected one kicked session, got %+v", res)
	}
	if kick := bob.expect(proto.KindKick); kick.Text != reasonIdle {
		t.Fatalf("kick reason %q", kick.Text)
	}
	bob.waitClosed()

	if h.hub.Registry().Online(bobID) {
		t.Fatalf("idle client still online")
	}
	if res.ClientsEvicted == 0 || res.RoomsEvicted == 0 {
		t.Fatalf("expected idle rooms and clients to be evicted: %+v", res)
	}
	rec, err := h.store.LoadClient(context.Background(), bobID)
	if err != nil || !rec.Friends.Has(h.adminID) {
		t.Fatalf("client not persisted on reap: %+v %v", rec, err)
	}
}

func TestActiveSessionSurvivesSweep(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	h.clock.Add(30 * time.Second)
	alice.send(proto.New(proto.KindRoomList).WithFromID(id))
	alice.expect(proto.KindAccepted)
	h.clock.Add(45 * time.Second)

	if res := h.hub.Reaper().Sweep(context.Background()); res.Kicked != 0 {
		t.Fatalf("active session kicked: %+v", res)
	}
	if !h.hub.Registry().Online(id) {
		t.Fatalf("active client went offline")
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.OutboundQueue = 4 })
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")
	bob, _ := h.login(t, "bob", "pw-b")

	bob.conn.stalled.Store(true)
	for i := 0; i < 10; i++ {
		alice.send(message(aliceID, store.GlobalRoomID, fmt.Sprintf("m%d", i)))
		alice.waitFor(proto.KindAccepted)
	}

	bob.waitClosed()
	if h.hub.Registry().Online(bobID) {
		t.Fatalf("slow consumer still online")
	}
	if !h.hub.Registry().Online(aliceID) {
		t.Fatalf("sender was affected by a slow consumer")
	}
}

func TestShutdownFlushesResidentState(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(message(id, store.GlobalRoomID, "before shutdown"))
	alice.expect(proto.KindMessage)
	alice.expect(proto.KindAccepted)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	alice.expect(proto.KindKick)
	alice.waitClosed()

	room, err := h.store.LoadRoom(context.Background(), store.GlobalRoomID)
	if err != nil {
		t.Fatalf("load global room: %v", err)
	}
	if len(room.History) != 1 || room.History[0].Text != "before shutdown" {
		t.Fatalf("history not flushed: %+v", room.History)
	}

	late := h.connect(t)
	late.waitClosed()
}

func TestBootstrapIsIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.hub.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	admin, err := h.store.LoadClient(context.Background(), h.adminID)
	if err != nil || !admin.IsAdmin {
		t.Fatalf("admin record: %+v %v", admin, err)
	}
	if taken, _ := h.store.LoginTaken(context.Background(), superLogin); !taken {
		t.Fatalf("admin login not registered")
	}
}

func TestHTMLHeavyMessageReachesMembers(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")
	bob, _ := h.login(t, "bob", "pw-b")

	text := strings.Repeat("<", 11000)
	alice.send(message(aliceID, store.GlobalRoomID, text))
	if got := bob.expect(proto.KindMessage); got.Text != text {
		t.Fatalf("bob got a %d byte text", len(got.Text))
	}
	alice.expect(proto.KindMessage)
	alice.expect(proto.KindAccepted)

	for _, id := range []int64{aliceID, bobID} {
		if !h.hub.Registry().Online(id) {
			t.Fatalf("client %d went offline", id)
		}
	}
}

func TestMessageTooLargeToBroadcastIsRejected(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")
	bob, _ := h.login(t, "bob", "pw-b")

	// U+2028 arrives as 3 raw bytes but is always escaped to 6 on the way out,
	// so the inbound frame fits and the broadcast would not.
	raw := fmt.Sprintf(`{"kind":"MESSAGE","fromId":%d,"roomId":0,"text":"%s"}`, aliceID, strings.Repeat("\u2028", 20000))
	if len(raw) > proto.MaxFrameSize {
		t.Fatalf("inbound frame is %d bytes", len(raw))
	}
	alice.sendRaw([]byte(raw))
	if got := alice.expect(proto.KindError); !strings.Contains(got.Text, "too long") {
		t.Fatalf("unexpected error text %q", got.Text)
	}

	alice.send(message(aliceID, store.GlobalRoomID, "after"))
	if got := bob.expect(proto.KindMessage); got.Text != "after" {
		t.Fatalf("bob got %q", got.Text)
	}
	alice.expect(proto.KindMessage)
	alice.expect(proto.KindAccepted)

	bob.send(proto.New(proto.KindMessageHistory).WithRoomID(store.GlobalRoomID))
	if hist := bob.expect(proto.KindAccepted); len(hist.History) != 1 {
		t.Fatalf("rejected message reached history: %d entries", len(hist.History))
	}
	if !h.hub.Registry().Online(aliceID) || !h.hub.Registry().Online(bobID) {
		t.Fatalf("sessions closed by a rejected message")
	}
}

func TestHistoryReplyFitsOneFrame(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HistoryCapacity = 100 })
	aliceID := h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	const sent = 80
	for i := 0; i < sent; i++ {
		alice.send(message(aliceID, store.GlobalRoomID, fmt.Sprintf("%03d", i)+strings.Repeat("x", 997)))
		alice.expect(proto.KindMessage)
		alice.expect(proto.KindAccepted)
	}

	alice.send(proto.New(proto.KindMessageHistory).WithRoomID(store.GlobalRoomID))
	hist := alice.expect(proto.KindAccepted)
	n := len(hist.History)
	if n == 0 || n >= sent {
		t.Fatalf("expected a trimmed history, got %d entries", n)
	}
	if got := hist.History[n-1].Text[:3]; got != fmt.Sprintf("%03d", sent-1) {
		t.Fatalf("newest entry missing, last is %s", got)
	}
	if got := hist.History[0].Text[:3]; got != fmt.Sprintf("%03d", sent-n) {
		t.Fatalf("history is not the newest contiguous run, first is %s", got)
	}
	if !h.hub.Registry().Online(aliceID) {
		t.Fatalf("history request closed the session")
	}
}

func TestUndeliverableEnvelopeKeepsSession(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	alice, _ := h.login(t, "alice", "pw-a")

	h.hub.Registry().Deliver(aliceID, proto.Accepted().WithText(strings.Repeat("y", proto.MaxFrameSize)))
	if got := alice.expect(proto.KindError); got.Text != reasonUndeliverable {
		t.Fatalf("unexpected error text %q", got.Text)
	}

	alice.send(proto.New(proto.KindRoomList).WithFromID(aliceID))
	alice.expect(proto.KindAccepted)
}

func TestInviteExistingMemberIsDenied(t *testing.T) {
	h := newHarness(t)
	aliceID := h.register(t, "alice", "pw-a")
	bobID := h.register(t, "bob", "pw-b")
	alice, _ := h.login(t, "alice", "pw-a")

	alice.send(proto.New(proto.KindCreateRoom).WithFromID(aliceID))
	roomID := alice.expect(proto.KindAccepted).RoomID

	invite := proto.New(proto.KindInviteUser).WithFromID(aliceID).WithToID(bobID).WithRoomID(roomID)
	alice.send(invite)
	alice.expect(proto.KindNewRoomMember)
	alice.expect(proto.KindAccepted)

	alice.send(proto.New(proto.KindInviteUser).WithFromID(aliceID).WithToID(bobID).WithRoomID(roomID))
	if got := alice.expect(proto.KindDenied); got.Text == "" {
		t.Fatalf("denial must carry a reason")
	}

	alice.send(proto.New(proto.KindRoomMembers).WithRoomID(roomID))
	members := alice.expect(proto.KindAccepted)
	if fmt.Sprint(members.IDs) != fmt.Sprint([]int64{aliceID, bobID}) {
		t.Fatalf("members changed by a repeated invite: %v", members.IDs)
	}
}

func TestStalledKickClosesOnClockGrace(t *testing.T) {
	// A write timeout this long never elapses in real time, so only the
	// mock clock can close the stalled session.
	h := newHarness(t, func(o *Options) { o.WriteTimeout = time.Hour })
	bobID := h.register(t, "bob", "pw-b")
	bob, _ := h.login(t, "bob", "pw-b")

	bob.conn.stalled.Store(true)
	h.clock.Add(2 * time.Minute)

	done := make(chan SweepResult, 1)
	go func() { done <- h.hub.Reaper().Sweep(context.Background()) }()

	var res SweepResult
	deadline := time.Now().Add(waitTimeout)
wait:
	for {
		select {
		case res = <-done:
			break wait
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not finish while the clock advanced")
		}
		h.clock.Add(time.Hour)
		time.Sleep(5 * time.Millisecond)
	}

	if res.Kicked != 1 {
		t.Fatalf("expected one kicked session, got %+v", res)
	}
	bob.waitClosed()
	if h.hub.Registry().Online(bobID) {
		t.Fatalf("stalled client still online")
	}
}
