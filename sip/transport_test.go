package sip_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/sip"
)

func rawOptions(branch, body string) string {
	return fmt.Sprintf("OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/TCP 127.0.0.1:5070;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: <sip:alice@127.0.0.1>;tag=a1\r\n"+
		"To: <sip:bob@127.0.0.1>\r\n"+
		"Call-ID: call-%s\r\n"+
		"CSeq: 1 OPTIONS\r\n"+
		"Content-Length: %d\r\n\r\n%s", branch, branch, len(body), body)
}

func serveTransport(tb testing.TB, serve func(context.Context, sip.MessageHandler) error) (<-chan sip.Message, func()) {
	tb.Helper()

	msgs := make(chan sip.Message, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, sip.MessageHandlerFunc(func(_ context.Context, msg sip.Message) { msgs <- msg }))
	}()
	return msgs, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				tb.Errorf("Serve() error = %v, want nil", err)
			}
		case <-time.After(eventWait):
			tb.Error("Serve() did not return after the context was cancelled")
		}
	}
}

func recvMsg(tb testing.TB, msgs <-chan sip.Message) *sip.Request {
	tb.Helper()

	select {
	case msg := <-msgs:
		req, ok := msg.(*sip.Request)
		if !ok {
			tb.Fatalf("received %v, want a request", msg)
		}
		return req
	case <-time.After(eventWait):
		tb.Fatal("no message received")
		return nil
	}
}

func noMsg(tb testing.TB, msgs <-chan sip.Message) {
	tb.Helper()

	select {
	case msg := <-msgs:
		tb.Fatalf("received unexpected message %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitClosed reads conn until the peer closes it.
func waitClosed(tb testing.TB, conn net.Conn) {
	tb.Helper()

	conn.SetReadDeadline(time.Now().Add(eventWait)) //nolint:errcheck
	if _, err := io.ReadAll(conn); err != nil {
		tb.Fatalf("connection was not closed by the transport: %v", err)
	}
}

func TestUDPTransport_Loopback(t *testing.T) {
	t.Parallel()

	srv, err := sip.ListenUDP(t.Context(), "127.0.0.1:0", &sip.UDPTransportOptions{Readers: 2})
	if err != nil {
		t.Fatalf("sip.ListenUDP() error = %v, want nil", err)
	}
	cli, err := sip.ListenUDP(t.Context(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("sip.ListenUDP() error = %v, want nil", err)
	}
	defer cli.Close()

	msgs, stop := serveTransport(t, srv.Serve)
	defer stop()

	// malformed datagrams are skipped
	if err := cli.Send(t.Context(), srv.LocalAddr(), []byte("garbage\r\n\r\n")); err != nil {
		t.Fatalf("cli.Send() error = %v, want nil", err)
	}
	// the body is cut to Content-Length
	if err := cli.Send(t.Context(), srv.LocalAddr(), []byte(rawOptions("z9hG4bK.udp", "hello")+"trailing")); err != nil {
		t.Fatalf("cli.Send() error = %v, want nil", err)
	}

	req := recvMsg(t, msgs)
	if got, want := req.Method, sip.RequestMethodOptions; got != want {
		t.Errorf("req.Method = %q, want %q", got, want)
	}
	if diff := cmp.Diff("hello", string(req.Body)); diff != "" {
		t.Errorf("req.Body mismatch (-want +got):\n%s", diff)
	}
	if got, want := req.Transport, sip.TransportProtoUDP; got != want {
		t.Errorf("req.Transport = %q, want %q", got, want)
	}
	if got, want := req.LocalAddr, srv.LocalAddr(); got != want {
		t.Errorf("req.LocalAddr = %v, want %v", got, want)
	}
	if got, want := req.RemoteAddr, cli.LocalAddr(); got != want {
		t.Errorf("req.RemoteAddr = %v, want %v", got, want)
	}
	noMsg(t, msgs)

	if err := srv.Close(); err != nil {
		t.Fatalf("srv.Close() error = %v, want nil", err)
	}
	if err := srv.Send(t.Context(), cli.LocalAddr(), []byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("srv.Send() after Close error = %v, want %v", err, net.ErrClosed)
	}
}

func TestTCPTransport_Framing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	defer srv.Close()

	msgs, stop := serveTransport(t, srv.Serve)
	defer stop()

	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v, want nil", err)
	}
	defer conn.Close()

	// a keep-alive and two pipelined messages in one segment
	stream := "\r\n\r\n" + rawOptions("z9hG4bK.tcp-1", "hello") + rawOptions("z9hG4bK.tcp-2", "v=0\r\n")
	if _, err := io.WriteString(conn, stream); err != nil {
		t.Fatalf("conn.Write() error = %v, want nil", err)
	}

	for _, want := range []string{"hello", "v=0\r\n"} {
		req := recvMsg(t, msgs)
		if diff := cmp.Diff(want, string(req.Body)); diff != "" {
			t.Errorf("req.Body mismatch (-want +got):\n%s", diff)
		}
		if got, want := req.Transport, sip.TransportProtoTCP; got != want {
			t.Errorf("req.Transport = %q, want %q", got, want)
		}
	}

	// a message split across writes is reassembled
	part := rawOptions("z9hG4bK.tcp-3", "split body")
	for _, chunk := range []string{part[:20], part[20 : len(part)-4], part[len(part)-4:]} {
		if _, err := io.WriteString(conn, chunk); err != nil {
			t.Fatalf("conn.Write() error = %v, want nil", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := recvMsg(t, msgs); string(got.Body) != "split body" {
		t.Errorf("req.Body = %q, want %q", got.Body, "split body")
	}

	// the peer goes away in the middle of a body
	truncated := rawOptions("z9hG4bK.tcp-4", "0123456789")
	if _, err := io.WriteString(conn, truncated[:len(truncated)-7]); err != nil {
		t.Fatalf("conn.Write() error = %v, want nil", err)
	}
	conn.(*net.TCPConn).CloseWrite() //nolint:errcheck,forcetypeassert
	waitClosed(t, conn)
	noMsg(t, msgs)
}

func TestTCPTransport_MalformedClosesConnection(t *testing.T) {
	t.Parallel()

	srv, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	defer srv.Close()

	msgs, stop := serveTransport(t, srv.Serve)
	defer stop()

	cases := []struct {
		name string
		data string
	}{
		{"bad start line", "garbage\r\n\r\n" + rawOptions("z9hG4bK.bad-1", "")},
		{"huge Content-Length", "OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\nContent-Length: 70000\r\n\r\n"},
	}
	for _, c := range cases {
		conn, err := net.Dial("tcp", srv.LocalAddr().String())
		if err != nil {
			t.Fatalf("%s: net.Dial() error = %v, want nil", c.name, err)
		}
		if _, err := io.WriteString(conn, c.data); err != nil {
			t.Fatalf("%s: conn.Write() error = %v, want nil", c.name, err)
		}
		waitClosed(t, conn)
		conn.Close()
	}
	noMsg(t, msgs)
}

func TestTCPTransport_IdleTimeout(t *testing.T) {
	t.Parallel()

	srv, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", &sip.TCPTransportOptions{IdleTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	defer srv.Close()

	_, stop := serveTransport(t, srv.Serve)
	defer stop()

	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v, want nil", err)
	}
	defer conn.Close()

	start := time.Now()
	waitClosed(t, conn)
	if elapsed := time.Since(start); elapsed >= eventWait {
		t.Fatalf("idle connection closed after %v", elapsed)
	}
}

func TestTCPTransport_SendReusesInboundConnection(t *testing.T) {
	t.Parallel()

	srv, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	defer srv.Close()

	msgs, stop := serveTransport(t, srv.Serve)
	defer stop()

	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v, want nil", err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, rawOptions("z9hG4bK.reuse", "")); err != nil {
		t.Fatalf("conn.Write() error = %v, want nil", err)
	}
	req := recvMsg(t, msgs)
	if got, want := req.RemoteAddr.String(), conn.LocalAddr().String(); got != want {
		t.Fatalf("req.RemoteAddr = %v, want %v", got, want)
	}

	res := sip.NewResponseFromRequest(req, sip.ResponseStatusOK, "")
	if err := srv.Send(t.Context(), req.RemoteAddr, res.Render()); err != nil {
		t.Fatalf("srv.Send() error = %v, want nil", err)
	}

	conn.SetReadDeadline(time.Now().Add(eventWait)) //nolint:errcheck
	msg, err := sip.NewStreamParser(conn).Next()
	if err != nil {
		t.Fatalf("read response error = %v, want nil", err)
	}
	got, ok := msg.(*sip.Response)
	if !ok || got.Status != sip.ResponseStatusOK {
		t.Fatalf("read %v, want 200 response", msg)
	}
}
