package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiVersion = "1.45"

// fakeEngine is a minimal Docker Engine API served over httptest.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	state     string
	stopQuery string
	created   map[string]any
	logs      string
	exitCode  int
}

func newFakeEngine(t *testing.T) (*fakeEngine, *DockerRuntime) {
	t.Helper()

	fe := &fakeEngine{state: "running"}
	prefix := "/v" + apiVersion

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/images/{ref...}", func(w http.ResponseWriter, r *http.Request) {
		fe.record("inspect-image")
		writeJSON(w, map[string]any{"Id": "sha256:abc"})
	})
	mux.HandleFunc("POST "+prefix+"/containers/create", func(w http.ResponseWriter, r *http.Request) {
		fe.record("create")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fe.mu.Lock()
		fe.created = body
		fe.mu.Unlock()
		writeJSON(w, map[string]any{"Id": "c1", "Warnings": []string{}})
	})
	mux.HandleFunc("POST "+prefix+"/containers/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		fe.record("start")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+prefix+"/containers/{id}/wait", func(w http.ResponseWriter, r *http.Request) {
		fe.record("wait")
		writeJSON(w, map[string]any{"StatusCode": fe.exitCode})
	})
	mux.HandleFunc("GET "+prefix+"/containers/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		fe.record("inspect")
		fe.mu.Lock()
		state := fe.state
		fe.mu.Unlock()
		writeJSON(w, map[string]any{"Id": r.PathValue("id"), "State": map[string]any{"Status": state}})
	})
	mux.HandleFunc("GET "+prefix+"/containers/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		fe.record("stats")
		writeJSON(w, map[string]any{
			"cpu_stats":    map[string]any{"cpu_usage": map[string]any{"total_usage": 2000000000}},
			"memory_stats": map[string]any{"usage": 104857600, "limit": 209715200},
		})
	})
	mux.HandleFunc("GET "+prefix+"/containers/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		fe.record("logs:" + r.URL.Query().Get("tail"))
		fe.mu.Lock()
		logs := fe.logs
		fe.mu.Unlock()
		stdout := stdcopy.NewStdWriter(w, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(w, stdcopy.Stderr)
		for i, line := range strings.SplitAfter(logs, "\n") {
			if line == "" {
				continue
			}
			if i%2 == 0 {
				_, _ = stdout.Write([]byte(line))
			} else {
				_, _ = stderr.Write([]byte(line))
			}
		}
	})
	mux.HandleFunc("POST "+prefix+"/containers/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		fe.record("stop")
		fe.mu.Lock()
		fe.stopQuery = r.URL.Query().Get("t")
		fe.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE "+prefix+"/containers/{id}", func(w http.ResponseWriter, r *http.Request) {
		fe.record("remove")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+prefix+"/volumes/create", func(w http.ResponseWriter, r *http.Request) {
		fe.record("volume-create")
		writeJSON(w, map[string]any{"Name": "vol"})
	})
	mux.HandleFunc("DELETE "+prefix+"/volumes/{name}", func(w http.ResponseWriter, r *http.Request) {
		fe.record("volume-remove:" + r.PathValue("name"))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion(apiVersion),
		client.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	return fe, NewDockerRuntimeWithClient(cli, zerolog.Nop())
}

func (fe *fakeEngine) record(call string) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.calls = append(fe.calls, call)
}

func (fe *fakeEngine) called() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.calls...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestDockerRuntime_StartAndRefresh(t *testing.T) {
	fe, rt := newFakeEngine(t)
	ctx := context.Background()

	h, err := rt.Start(ctx, ContainerSpec{
		Image:   "alpine",
		Command: []string{"echo", "hi"},
		Env:     map[string]string{"FOO": "bar"},
		Mounts:  []VolumeMount{{Volume: "v1", Target: "/var/task"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", h.ID())
	assert.Equal(t, StatusStarting, h.Status())

	assert.Equal(t, []string{"inspect-image", "create", "start"}, fe.called())
	assert.Equal(t, []any{"FOO=bar"}, fe.created["Env"])

	status, err := h.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	fe.mu.Lock()
	fe.state = "exited"
	fe.mu.Unlock()

	status, err = h.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, status)
	assert.Equal(t, StatusExited, h.Status())
}

func TestDockerHandle_StatsTailStopRemove(t *testing.T) {
	fe, rt := newFakeEngine(t)
	fe.logs = "line one\r\nline two\nline three\n"
	ctx := context.Background()

	h, err := rt.Start(ctx, ContainerSpec{Image: "alpine"})
	require.NoError(t, err)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000000000), stats.CPUTotalUsage)
	assert.Equal(t, uint64(104857600), stats.MemoryUsage)
	assert.Equal(t, uint64(209715200), stats.MemoryLimit)

	lines, err := h.Tail(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two", "line three"}, lines)
	assert.Contains(t, fe.called(), "logs:100")

	require.NoError(t, h.Stop(ctx, 5*time.Second))
	assert.Equal(t, "5", fe.stopQuery)

	require.NoError(t, h.Remove(ctx))
	assert.Contains(t, fe.called(), "remove")
}

func TestDockerRuntime_RunCollectsOutputAndRemoves(t *testing.T) {
	fe, rt := newFakeEngine(t)
	fe.logs = "START\n{\"ok\": true}\nEND\n"
	fe.exitCode = 3

	res, err := rt.Run(context.Background(), ContainerSpec{Image: "lambci/lambda:python3.7"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.ExitCode)
	assert.Contains(t, res.Output, "START")
	assert.Contains(t, res.Output, `{"ok": true}`)
	assert.Contains(t, res.Output, "END")

	calls := fe.called()
	assert.Equal(t, "remove", calls[len(calls)-1])
}

func TestDockerRuntime_Volumes(t *testing.T) {
	fe, rt := newFakeEngine(t)
	ctx := context.Background()

	require.NoError(t, rt.CreateVolume(ctx, "task-1"))
	require.NoError(t, rt.RemoveVolume(ctx, "task-1"))

	assert.Equal(t, []string{"volume-create", "volume-remove:task-1"}, fe.called())
}

func TestDockerStatus(t *testing.T) {
	assert.Equal(t, StatusStarting, dockerStatus("created"))
	assert.Equal(t, StatusRunning, dockerStatus("running"))
	assert.Equal(t, StatusRunning, dockerStatus("restarting"))
	assert.Equal(t, StatusExited, dockerStatus("exited"))
	assert.Equal(t, StatusExited, dockerStatus("dead"))
	assert.Equal(t, StatusUnknown, dockerStatus("removing"))
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Nil(t, splitLines("\r\n"))
	assert.Equal(t, []string{"a", "", "b"}, splitLines("a\r\n\r\nb\r\n"))
}
