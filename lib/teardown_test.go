package lib

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestLeaveEndToEnd(t *testing.T) {
	n := newMemNet()
	core, err := NewCore(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	events, handler := newServerEvents()
	s := core.NewServer(n.listen(t, serverAddr.String()), handler)
	startServer(t, s)

	cl, err := core.NewClient(context.Background(), n.listen(t, testPeer.String()), serverAddr, []byte("dave"), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	events.next(t, MsgJoin)

	if err := cl.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	leave := events.next(t, MsgLeave)
	if leave.Err != nil || string(leave.Payload) != "dave" {
		t.Errorf("leave event %+v", leave)
	}
	eventually(t, "server record removed", func() bool { return s.table.len() == 0 })

	if err := cl.Wait(); err != nil {
		t.Errorf("client stopped with %v", err)
	}
	if st := cl.Stats(); st.Phase != PhaseTimeWait || st.State != StateClosed {
		t.Errorf("client ended in %s/%s", st.State, st.Phase)
	}
	if err := cl.Send(context.Background(), []byte("late"), MsgData); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after leave: %v", err)
	}
}

func TestTeardownDuplicateFinalAck(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(testConfig(), n.listen(t, serverAddr.String()), handler)
	s.isn = fixedISN(500)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "erin")
	events.next(t, MsgJoin)

	raw.writeSegment(t, serverAddr, control(FINFlag, MsgLeave, 101, 501, nil))
	finAck := raw.expectSegment(t, FINACKFlag)
	if finAck.SequenceNumber != 501 || finAck.AcknowledgmentNum != 102 {
		t.Fatalf("FIN-ACK seq %d ack %d, want 501 and 102", finAck.SequenceNumber, finAck.AcknowledgmentNum)
	}
	if st, _ := s.Stats(testPeer); st.Phase != PhaseLastAck {
		t.Errorf("server phase %s, want LAST_ACK", st.Phase)
	}

	final := control(ACKFlag, MsgLeave, 102, finAck.SequenceNumber+1, nil)
	raw.writeSegment(t, serverAddr, final)
	if ev := events.next(t, MsgLeave); ev.Err != nil {
		t.Errorf("leave failed: %v", ev.Err)
	}
	eventually(t, "record removed", func() bool { return s.table.len() == 0 })

	raw.writeSegment(t, serverAddr, control(ACKFlag, MsgLeave, 102, finAck.SequenceNumber+1, nil))
	events.none(t, 150*time.Millisecond)
	if s.table.len() != 0 {
		t.Error("duplicate final ACK reinserted the peer")
	}
}

func TestTeardownAckMismatch(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(testConfig(), n.listen(t, serverAddr.String()), handler)
	s.isn = fixedISN(500)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "frank")
	events.next(t, MsgJoin)

	raw.writeSegment(t, serverAddr, control(FINFlag, MsgLeave, 101, 501, nil))
	raw.expectSegment(t, FINACKFlag)

	raw.writeSegment(t, serverAddr, control(ACKFlag, MsgLeave, 102, 999, nil))
	failed := events.next(t, MsgLeave)
	if !errors.Is(failed.Err, ErrTeardownAckMismatch) {
		t.Fatalf("leave event err = %v, want ErrTeardownAckMismatch", failed.Err)
	}
	if st, ok := s.Stats(testPeer); !ok || st.Phase != PhaseLastAck {
		t.Fatalf("record after mismatch: %+v present=%t", st, ok)
	}

	// a retransmitted FIN gets the same FIN-ACK, and the right ACK still closes
	raw.writeSegment(t, serverAddr, control(FINFlag, MsgLeave, 101, 501, nil))
	again := raw.expectSegment(t, FINACKFlag)
	if again.SequenceNumber != 501 || again.AcknowledgmentNum != 102 {
		t.Errorf("repeated FIN-ACK seq %d ack %d", again.SequenceNumber, again.AcknowledgmentNum)
	}
	raw.writeSegment(t, serverAddr, control(ACKFlag, MsgLeave, 102, 502, nil))
	if ev := events.next(t, MsgLeave); ev.Err != nil {
		t.Errorf("second attempt failed: %v", ev.Err)
	}
}

func TestKillEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.KillSecret = "s3cret"
	core, err := NewCore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	n := newMemNet()
	events, handler := newServerEvents()
	s := core.NewServer(n.listen(t, serverAddr.String()), handler)
	served := startServer(t, s)

	var clients []*Client
	var inboxes []*clientEvents
	for i, addr := range []string{"10.0.0.2:4000", "10.0.0.3:4000"} {
		ce, ch := newClientEvents()
		cl, err := core.NewClient(context.Background(), n.listen(t, addr), serverAddr, []byte{'a' + byte(i)}, ch)
		if err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
		t.Cleanup(func() { cl.Close() })
		events.next(t, MsgJoin)
		clients = append(clients, cl)
		inboxes = append(inboxes, ce)
	}

	if err := clients[0].Kill("guess"); err != nil {
		t.Fatal(err)
	}
	failed := events.next(t, MsgFailedKill)
	if !errors.Is(failed.Err, ErrKillUnauthorized) || failed.Peer != netip.MustParseAddrPort("10.0.0.2:4000") {
		t.Errorf("failed kill event %+v", failed)
	}
	if len(s.Peers()) != 2 {
		t.Fatalf("peers after failed kill: %v", s.Peers())
	}

	if err := clients[0].Kill("s3cret"); err != nil {
		t.Fatal(err)
	}
	events.next(t, MsgKill)

	for i, cl := range clients {
		ev := inboxes[i].next(t)
		if !ev.Terminated() {
			t.Errorf("client %d got %+v, want the termination event", i, ev)
		}
		select {
		case <-cl.Done():
		case <-time.After(waitFor):
			t.Fatalf("client %d still running", i)
		}
		if !errors.Is(cl.Err(), ErrTerminated) {
			t.Errorf("client %d err = %v", i, cl.Err())
		}
	}

	select {
	case err := <-served:
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("Serve returned %v, want ErrTerminated", err)
		}
	case <-time.After(waitFor):
		t.Fatal("server still running after kill")
	}
}

func TestKillWithoutAnswersUsesLinger(t *testing.T) {
	cfg := testConfig()
	cfg.KillLinger = 100 * time.Millisecond
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(cfg, n.listen(t, serverAddr.String()), handler)
	served := startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "gina")
	events.next(t, MsgJoin)

	raw.writeSegment(t, serverAddr, control(0, MsgKill, 101, 0, nil))
	fin := raw.expectSegment(t, FINFlag)
	if fin.MessageType != MsgKill {
		t.Errorf("kill FIN type %s", fin.MessageType)
	}
	// no FIN-ACK: the server gives up after the linger and still acknowledges
	killAck := raw.expectSegment(t, ACKFlag)
	if killAck.MessageType != MsgKill {
		t.Errorf("kill ACK type %s", killAck.MessageType)
	}
	select {
	case err := <-served:
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("server still running after the linger")
	}
}

func TestReportFailedKill(t *testing.T) {
	core, err := NewCore(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	n := newMemNet()
	events, handler := newServerEvents()
	startServer(t, core.NewServer(n.listen(t, serverAddr.String()), handler))

	cl, err := core.NewClient(context.Background(), n.listen(t, testPeer.String()), serverAddr, []byte("hank"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })
	events.next(t, MsgJoin)

	if err := cl.ReportFailedKill(); err != nil {
		t.Fatal(err)
	}
	if ev := events.next(t, MsgFailedKill); ev.Peer != testPeer || !errors.Is(ev.Err, ErrKillUnauthorized) {
		t.Errorf("event %+v", ev)
	}
}
