package shade

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/umbradev/umbra/internal/protocol/wire"
	"github.com/umbradev/umbra/internal/testutil/testlog"
)

type fakeParent struct {
	t        *testing.T
	listener net.Listener
	sock     string

	control net.Conn
	br      *bufio.Reader
}

func startFakeParent(t *testing.T) *fakeParent {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "warden.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return &fakeParent{t: t, listener: listener, sock: sock}
}

// acceptControl takes the worker's control connection and verifies the
// preamble and both readiness signals.
func (p *fakeParent) acceptControl(hostID string) {
	p.t.Helper()
	conn, err := p.listener.Accept()
	if err != nil {
		p.t.Fatalf("accept control: %v", err)
	}
	p.control = conn
	p.br = bufio.NewReader(conn)

	preamble, err := wire.ReadPreamble(p.br)
	if err != nil {
		p.t.Fatalf("control preamble: %v", err)
	}
	if preamble.Kind != wire.KindControl || preamble.HostID != hostID {
		p.t.Fatalf("preamble=%+v", preamble)
	}

	for _, want := range []string{wire.SignalIPCReady, wire.SignalInitDone} {
		env, err := wire.ReadEnvelope(p.br)
		if err != nil {
			p.t.Fatalf("read signal: %v", err)
		}
		if env.Name != want {
			p.t.Fatalf("signal=%s, want %s", env.Name, want)
		}
	}
}

func (p *fakeParent) notify(env wire.Envelope) {
	p.t.Helper()
	env.TimestampMS = uint64(time.Now().UnixMilli())
	if err := wire.WriteEnvelope(p.control, env); err != nil {
		p.t.Fatalf("write notice: %v", err)
	}
}

// openChannel sends a channel.open notice and accepts the worker dial-back.
func (p *fakeParent) openChannel(hostID, nonce, service string) net.Conn {
	p.t.Helper()
	p.notify(wire.Envelope{
		Name:    wire.NoticeChannelOpen,
		HostID:  hostID,
		Nonce:   nonce,
		Service: service,
	})

	conn, err := p.listener.Accept()
	if err != nil {
		p.t.Fatalf("accept channel: %v", err)
	}
	br := bufio.NewReader(conn)
	preamble, err := wire.ReadPreamble(br)
	if err != nil {
		p.t.Fatalf("channel preamble: %v", err)
	}
	if preamble.Kind != wire.KindChannel || preamble.Nonce != nonce {
		p.t.Fatalf("channel preamble=%+v", preamble)
	}
	return conn
}

func newTestService(t *testing.T, sock string) *Service {
	t.Helper()
	svc, err := New(Config{
		Bootstrap: wire.Bootstrap{
			MachineID:     "machine-test",
			HostID:        "host-test",
			AppRoot:       t.TempDir(),
			TransportAddr: sock,
		},
		Logger: log.Logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func call(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServiceHandshakeChannelsAndExit(t *testing.T) {
	testlog.Start(t)
	parent := startFakeParent(t)
	svc := newTestService(t, parent.sock)

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()

	parent.acceptControl("host-test")

	recentsConn := parent.openChannel("host-test", "nonce-r", ServiceRecents)
	defer recentsConn.Close()

	if resp := call(t, recentsConn, Request{Op: "add", URI: "file:///ws", Label: "ws"}); !resp.OK {
		t.Fatalf("add failed: %+v", resp)
	}
	resp := call(t, recentsConn, Request{Op: "list"})
	if !resp.OK || len(resp.Entries) != 1 || resp.Entries[0].URI != "file:///ws" {
		t.Fatalf("list=%+v", resp)
	}

	secretsConn := parent.openChannel("host-test", "nonce-s", ServiceSecrets)
	defer secretsConn.Close()

	if resp := call(t, secretsConn, Request{Op: "set", Scope: "ext", Key: "token", Value: "v"}); !resp.OK {
		t.Fatalf("set failed: %+v", resp)
	}
	resp = call(t, secretsConn, Request{Op: "get", Scope: "ext", Key: "token"})
	if !resp.OK || resp.Value != "v" {
		t.Fatalf("get=%+v", resp)
	}

	parent.notify(wire.Envelope{Name: wire.NoticeExitRequest, HostID: "host-test"})
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit on request")
	}
}

func TestServiceExitsWhenControlDrops(t *testing.T) {
	testlog.Start(t)
	parent := startFakeParent(t)
	svc := newTestService(t, parent.sock)

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()

	parent.acceptControl("host-test")
	parent.control.Close()

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatalf("expected error after control drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after control drop")
	}
}

func TestServiceVisibilityTogglesInspector(t *testing.T) {
	testlog.Start(t)
	parent := startFakeParent(t)
	svc := newTestService(t, parent.sock)

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()
	parent.acceptControl("host-test")

	show := true
	parent.notify(wire.Envelope{Name: wire.NoticeVisibility, HostID: "host-test", Visible: &show})

	deadline := time.After(2 * time.Second)
	for !svc.inspector.Running() {
		select {
		case <-deadline:
			t.Fatalf("inspector never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	hide := false
	parent.notify(wire.Envelope{Name: wire.NoticeVisibility, HostID: "host-test", Visible: &hide})
	deadline = time.After(2 * time.Second)
	for svc.inspector.Running() {
		select {
		case <-deadline:
			t.Fatalf("inspector never stopped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	parent.notify(wire.Envelope{Name: wire.NoticeExitRequest, HostID: "host-test"})
	<-runDone
}
