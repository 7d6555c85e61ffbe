package lib

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

func heartbeatConfig() *config.Config {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.HeartbeatTick = 50 * time.Millisecond
	return cfg
}

func TestSilentPeerIsEvicted(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(heartbeatConfig(), n.listen(t, serverAddr.String()), handler)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "ivan")
	events.next(t, MsgJoin)

	start := time.Now()
	ev := events.next(t, MsgLeave)
	if !errors.Is(ev.Err, ErrHeartbeatExpired) || string(ev.Payload) != "ivan" {
		t.Errorf("eviction event %+v", ev)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("evicted after %s, earlier than the timeout allows", elapsed)
	}
	if _, ok := s.Stats(testPeer); ok {
		t.Error("evicted peer still in the table")
	}
}

func TestHeartbeatRefillsCredit(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(heartbeatConfig(), n.listen(t, serverAddr.String()), handler)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "judy")
	events.next(t, MsgJoin)

	for i := 0; i < 8; i++ {
		raw.writeSegment(t, serverAddr, control(0, MsgHeartbeat, 101, 501, nil))
		time.Sleep(50 * time.Millisecond)
	}
	if _, ok := s.Stats(testPeer); !ok {
		t.Fatal("peer evicted while sending heartbeats")
	}
	if ev := events.next(t, MsgHeartbeat); ev.Peer != testPeer {
		t.Errorf("heartbeat event from %s", ev.Peer)
	}
}

func TestClientHeartbeatsKeepSessionAlive(t *testing.T) {
	core, err := NewCore(heartbeatConfig())
	if err != nil {
		t.Fatal(err)
	}
	n := newMemNet()
	events, handler := newServerEvents()
	s := core.NewServer(n.listen(t, serverAddr.String()), handler)
	startServer(t, s)

	cl, err := core.NewClient(context.Background(), n.listen(t, testPeer.String()), serverAddr, []byte("kate"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })
	events.next(t, MsgJoin)

	events.none(t, 600*time.Millisecond)
	if peers := s.Peers(); len(peers) != 1 || peers[0] != testPeer {
		t.Fatalf("peers = %v", peers)
	}

	// a client that stops without a FIN is noticed through its silence
	cl.Close()
	if ev := events.next(t, MsgLeave); !errors.Is(ev.Err, ErrHeartbeatExpired) {
		t.Errorf("leave event %+v", ev)
	}
}

func TestHalfOpenHandshakeIsReclaimed(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(heartbeatConfig(), n.listen(t, serverAddr.String()), handler)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	raw.writeSegment(t, serverAddr, control(SYNFlag, MsgJoin, 100, 0, []byte("leo")))
	raw.expectSegment(t, SYNACKFlag)
	if st, ok := s.Stats(testPeer); !ok || st.State != StateSynReceived {
		t.Fatalf("after SYN: %+v present=%t", st, ok)
	}

	eventually(t, "half-open record reclaimed", func() bool { return s.table.len() == 0 })
	events.none(t, 100*time.Millisecond)
}

func TestLostFinalAckReportsPlainLeave(t *testing.T) {
	n := newMemNet()
	events, handler := newServerEvents()
	s := newServer(heartbeatConfig(), n.listen(t, serverAddr.String()), handler)
	s.isn = fixedISN(500)
	startServer(t, s)
	raw := n.listen(t, testPeer.String())

	handshake(t, raw, serverAddr, 100, "olga")
	events.next(t, MsgJoin)

	raw.writeSegment(t, serverAddr, control(FINFlag, MsgLeave, 101, 501, nil))
	raw.expectSegment(t, FINACKFlag)
	// the final ACK is never sent

	ev := events.next(t, MsgLeave)
	if ev.Err != nil || string(ev.Payload) != "olga" {
		t.Errorf("leave event %+v, want a plain leave", ev)
	}
	if _, ok := s.Stats(testPeer); ok {
		t.Error("peer still in the table")
	}
}
