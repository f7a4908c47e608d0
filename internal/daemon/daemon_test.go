package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/todosync/internal/api"
	"github.com/matheus3301/todosync/internal/rest/resttest"
	"go.uber.org/fx"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	alice = resttest.User{UserID: 1, Username: "alice", FullName: "Alice"}
	bob   = resttest.User{UserID: 2, Username: "bob", FullName: "Bob"}
)

// setup points the session home at a short temp dir (Unix socket paths are
// limited to about 104 bytes) and writes a config for serverURL.
func setup(t *testing.T, serverURL string) Params {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "tsd-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("TODOSYNC_HOME", tmpDir)

	cfgPath := filepath.Join(tmpDir, "config.toml")
	cfg := fmt.Sprintf("server_url = %q\ntoken = %q\nreconnect_delay = \"50ms\"\nlog_level = \"warn\"\n", serverURL, resttest.Token)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return Params{
		SessionName: "test",
		SocketPath:  filepath.Join(tmpDir, "d.sock"),
		ConfigPath:  cfgPath,
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := setup(t, "http://localhost:1")
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestInvalidConfigFailsStartup(t *testing.T) {
	p := setup(t, "http://localhost:1")
	if err := os.WriteFile(p.ConfigPath, []byte("server_url = \"\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	app := fx.New(Module(p), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected startup error for empty server_url")
	}
}

func TestDaemonLifecycle(t *testing.T) {
	srv := resttest.New(t, alice)
	srv.AddUser(bob)
	srv.AddChat(resttest.Chat{ChatID: 10, Participants: []resttest.User{alice, bob}})
	p := setup(t, srv.URL)

	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if _, err := os.Stat(p.SocketPath); !os.IsNotExist(err) {
			t.Errorf("socket not removed on stop: %v", err)
		}
	}()

	if info, err := os.Stat(p.SocketPath); err != nil {
		t.Fatal(err)
	} else if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}

	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	// Bootstrap runs in the background.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Call(ctx, api.MethodStatus, nil)
		if err != nil {
			t.Fatalf("Status error = %v", err)
		}
		f := resp.GetFields()
		if f["chat_count"].GetNumberValue() == 1 {
			if got := f["local_user"].GetStructValue().GetFields()["username"].GetStringValue(); got != "alice" {
				t.Errorf("local user = %q, want alice", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bootstrap did not complete: %v", resp)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := client.Call(ctx, api.MethodSelectChat, map[string]any{"chat_id": 10})
	if err != nil {
		t.Fatalf("SelectChat error = %v", err)
	}
	if got := resp.GetFields()["title"].GetStringValue(); got != "Bob" {
		t.Errorf("title = %q, want Bob", got)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	srv := resttest.New(t, alice)
	p := setup(t, srv.URL)

	first := fx.New(Module(p), fx.NopLogger)
	if err := first.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(context.Background()) }()

	p2 := p
	p2.SocketPath = filepath.Join(filepath.Dir(p.SocketPath), "d2.sock")
	second := fx.New(Module(p2), fx.NopLogger)
	if second.Err() == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon for the same session should fail on the lock")
	}
	if _, err := os.Stat(p2.SocketPath); !os.IsNotExist(err) {
		t.Errorf("refused daemon created its socket: %v", err)
	}
	if _, err := os.Stat(p.SocketPath); err != nil {
		t.Errorf("running daemon lost its socket: %v", err)
	}
}

func TestStopEndsWatchStreams(t *testing.T) {
	srv := resttest.New(t, alice)
	p := setup(t, srv.URL)

	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	// A status call makes sure the connection is up before watching.
	if _, err := client.Call(ctx, api.MethodStatus, nil); err != nil {
		t.Fatal(err)
	}
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- client.Watch(context.Background(), nil, func(*structpb.Struct) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	stopped := time.Now()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if d := time.Since(stopped); d > 5*time.Second {
		t.Errorf("Stop() took %v with an open watch stream", d)
	}
	select {
	case <-watchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("watch stream still open after stop")
	}
}
