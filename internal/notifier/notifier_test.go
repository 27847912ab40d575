package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blukai/rorrelay/internal/notifier"
	"github.com/matryer/is"
)

type staticProvider struct{}

func (staticProvider) HeartbeatData(challenge string) string {
	return challenge + "\nRoRnet_2.1\n1\n0;truck;alice;1,2,3;127.0.0.1;u1\n"
}

func (staticProvider) NumClients() int { return 1 }

type fakeMaster struct {
	mu sync.Mutex

	failRegister  bool
	failHeartbeat bool

	registered   map[string]any
	heartbeats   []map[string]any
	unregistered []string
}

func (m *fakeMaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/servers":
		if m.failRegister {
			http.Error(w, "server is not reachable", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&m.registered)
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": "c0ffee"})
	case r.Method == http.MethodPut && r.URL.Path == "/servers/c0ffee":
		if m.failHeartbeat {
			http.Error(w, "failed", http.StatusInternalServerError)
			return
		}
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.heartbeats = append(m.heartbeats, body)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/servers/"):
		m.unregistered = append(m.unregistered, strings.TrimPrefix(r.URL.Path, "/servers/"))
	default:
		http.NotFound(w, r)
	}
}

func (m *fakeMaster) numHeartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heartbeats)
}

func newTestMaster(t *testing.T, master *fakeMaster) string {
	t.Helper()

	srv := httptest.NewServer(master)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRegisterHeartbeatUnregister(t *testing.T) {
	is := is.New(t)

	master := &fakeMaster{}
	url := newTestMaster(t, master)

	n := notifier.NewNotifier(notifier.Config{
		URL:        url + "/",
		Interval:   10 * time.Millisecond,
		ServerName: "test server",
		Terrain:    "nhelens",
		PublicAddr: "203.0.113.1:12000",
		MaxClients: 16,
	}, staticProvider{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for master.numHeartbeats() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeats received")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	is.NoErr(<-done)

	master.mu.Lock()
	defer master.mu.Unlock()

	is.Equal(master.registered["name"], "test server")
	is.Equal(master.registered["terrain"], "nhelens")
	is.Equal(master.registered["version"], "RoRnet_2.1")
	is.Equal(master.registered["instance_id"], n.InstanceID())
	is.Equal(master.registered["max_clients"], float64(16))

	is.Equal(master.heartbeats[0]["num_clients"], float64(1))
	is.True(strings.HasPrefix(master.heartbeats[0]["data"].(string), "c0ffee\n"))

	is.Equal(master.unregistered, []string{"c0ffee"})
	is.Equal(n.Challenge(), "")
}

func TestRegisterFailedLanMode(t *testing.T) {
	is := is.New(t)

	master := &fakeMaster{failRegister: true}
	url := newTestMaster(t, master)

	n := notifier.NewNotifier(notifier.Config{URL: url, Interval: 10 * time.Millisecond}, staticProvider{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	is.NoErr(n.Run(ctx)) // keeps serving without the master server
	is.Equal(master.numHeartbeats(), 0)
}

func TestRegisterFailedRequired(t *testing.T) {
	is := is.New(t)

	master := &fakeMaster{failRegister: true}
	url := newTestMaster(t, master)

	n := notifier.NewNotifier(notifier.Config{URL: url, Required: true}, staticProvider{}, nil)

	err := n.Run(context.Background())
	is.True(errors.Is(err, notifier.ErrRejected))
}

func TestHeartbeatFailuresRequired(t *testing.T) {
	is := is.New(t)

	master := &fakeMaster{failHeartbeat: true}
	url := newTestMaster(t, master)

	n := notifier.NewNotifier(notifier.Config{
		URL:      url,
		Interval: 5 * time.Millisecond,
		Required: true,
	}, staticProvider{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := n.Run(ctx)
	is.True(err != nil)
	is.True(errors.Is(err, notifier.ErrRejected))
	is.True(ctx.Err() == nil) // gave up before the deadline

	master.mu.Lock()
	defer master.mu.Unlock()
	is.Equal(master.unregistered, []string{"c0ffee"})
}

func TestHeartbeatNotRegistered(t *testing.T) {
	is := is.New(t)

	n := notifier.NewNotifier(notifier.Config{URL: "http://127.0.0.1:1"}, staticProvider{}, nil)
	is.True(errors.Is(n.Heartbeat(context.Background()), notifier.ErrNotRegistered))
	is.True(errors.Is(n.Unregister(context.Background()), notifier.ErrNotRegistered))
}
