package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ingestor/internal/protocol"
)

func TestPipe_RoundTrip(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	defer a.Close()
	ctx := context.Background()

	if err := a.Send(ctx, protocol.New(0, &protocol.Heartbeat{WorkerID: "w1", Free: 3})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	m, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	hb, ok := m.Payload.(*protocol.Heartbeat)
	if !ok || hb.Free != 3 {
		t.Fatalf("unexpected payload %#v", m.Payload)
	}
}

func TestPipe_Close(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	a.Close()

	if _, err := b.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() after close = %v, want ErrClosed", err)
	}
	if err := b.Send(context.Background(), protocol.New(0, &protocol.Abort{})); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close = %v, want ErrClosed", err)
	}
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	t.Parallel()
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() = %v, want deadline exceeded", err)
	}
}

func serveWS(t *testing.T, limit int64, handle func(Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, limit)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer c.Close()
		handle(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_Echo(t *testing.T) {
	t.Parallel()
	url := serveWS(t, 0, func(c Conn) {
		ctx := context.Background()
		m, err := c.Recv(ctx)
		if err != nil {
			return
		}
		id := m.Payload.(*protocol.Identify)
		_ = c.Send(ctx, protocol.New(0, &protocol.Ack{Ref: protocol.OpIdentify, OK: true, Message: id.WorkerID}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil, 0)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(ctx, protocol.New(0, &protocol.Identify{WorkerID: "w-9", MaxConcurrent: 2})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	ack := reply.Payload.(*protocol.Ack)
	if !ack.OK || ack.Message != "w-9" {
		t.Errorf("unexpected ack %#v", ack)
	}
}

func TestWebSocket_OversizedFrameRejected(t *testing.T) {
	t.Parallel()
	errs := make(chan error, 1)
	url := serveWS(t, 64, func(c Conn) {
		_, err := c.Recv(context.Background())
		errs <- err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil, 0)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	big := &protocol.Deploy{Artifact: protocol.ArtifactSpec{Name: strings.Repeat("n", 256), LogicHash: "l"}}
	_ = c.Send(ctx, protocol.New(0, big))

	select {
	case err := <-errs:
		if !errors.Is(err, protocol.ErrPayloadTooLarge) {
			t.Errorf("server Recv() = %v, want ErrPayloadTooLarge", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server")
	}
}
