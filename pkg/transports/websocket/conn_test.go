package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/client"
	"github.com/simtree/simtree/pkg/memauthority"
	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/tree"
)

func probeClass() *schema.Class {
	probe := schema.NewClass("probe",
		schema.Prop("name", schema.Property{Type: schema.TypeString}),
		schema.Prop("x", schema.Property{Type: schema.TypeReal, Default: 0.0}),
	)
	return schema.NewClass("monitor",
		schema.Prop("interval", schema.Property{
			Type:    schema.TypeInteger,
			Default: 10,
			Range:   &schema.Range{Min: 1, Max: 1000},
		}),
		schema.Collection("probe", probe),
	)
}

func startServer(t *testing.T) (*httptest.Server, *memauthority.Authority) {
	t.Helper()
	a, err := memauthority.New(probeClass())
	if err != nil {
		t.Fatalf("memauthority.New() error = %v", err)
	}
	srv := httptest.NewServer(NewHandler(memauthority.NewServer(a, "monitor"), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, a
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndServe(t *testing.T) {
	srv, a := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c, err := client.New(ctx, conn, client.Config{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer c.Close()

	if err := c.WriteState(ctx, path.MustParse("/probe:inlet/x"), 1.5); err != nil {
		t.Fatalf("WriteState() error = %v", err)
	}
	names, err := c.ChildNames(ctx, path.MustParse("/probe"))
	if err != nil {
		t.Fatalf("ChildNames() error = %v", err)
	}
	if len(names) != 1 || names[0] != "inlet" {
		t.Errorf("ChildNames() = %v, want [inlet]", names)
	}

	err = c.WriteState(ctx, path.MustParse("/interval"), 0)
	if !tree.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	state, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if state["interval"] != int64(10) {
		t.Errorf("interval = %#v, want 10", state["interval"])
	}
}

func TestConnJoinsMessages(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, time.Second)
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	for _, part := range []string{"{\"a\":", "1}\n", "{\"b\":2}\n"} {
		if _, err := conn.Write([]byte(part)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case got := <-received:
		if want := "{\"a\":1}\n{\"b\":2}\n"; got != want {
			t.Errorf("server read %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not see the close")
	}
}

func TestDialRejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := Dial(context.Background(), wsURL(srv), nil); err == nil {
		t.Fatal("expected handshake error")
	} else if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error = %v, want status 404", err)
	}
}

func TestHandlerSwap(t *testing.T) {
	first, err := memauthority.New(probeClass())
	if err != nil {
		t.Fatalf("memauthority.New() error = %v", err)
	}
	h := NewHandler(memauthority.NewServer(first, "monitor"), zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial := func() *client.Client {
		t.Helper()
		conn, err := Dial(ctx, wsURL(srv), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		c, err := client.New(ctx, conn, client.Config{})
		if err != nil {
			t.Fatalf("client.New() error = %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	old := dial()

	second, err := memauthority.New(schema.NewClass("bench",
		schema.Prop("load", schema.Property{Type: schema.TypeReal, Default: 0.5}),
	))
	if err != nil {
		t.Fatalf("memauthority.New() error = %v", err)
	}
	h.Swap(memauthority.NewServer(second, "bench"))

	if got := dial().Ready().Root; got != "bench" {
		t.Errorf("new connection root = %q, want bench", got)
	}
	if _, err := old.ReadState(ctx, path.MustParse("/interval")); err != nil {
		t.Errorf("open connection lost its server: %v", err)
	}
}
