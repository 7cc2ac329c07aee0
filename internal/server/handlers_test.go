package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/migueleliasweb/go-github-mock/src/mock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kioskbox/update-service/internal/config"
	"github.com/kioskbox/update-service/internal/notify"
	"github.com/kioskbox/update-service/internal/release"
	"github.com/kioskbox/update-service/internal/update"
	"github.com/kioskbox/update-service/internal/version"
)

type testServerOptions struct {
	localVersion string
	script       string
	ghOptions    []mock.MockBackendOption
	requestCache bool
	sandbox      bool
}

func latestRelease(calls *atomic.Int32, tagName string) mock.MockBackendOption {
	return mock.WithRequestMatchHandler(
		mock.GetReposReleasesLatestByOwnerByRepo,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls != nil {
				calls.Add(1)
			}
			w.Header().Set("X-Ratelimit-Remaining", "99")
			w.Header().Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
			_, _ = w.Write(mock.MustMarshal(&github.RepositoryRelease{
				TagName:     github.String(tagName),
				Name:        github.String("Release " + tagName),
				HTMLURL:     github.String("https://github.com/kioskbox/kiosk-app/releases/tag/" + tagName),
				PublishedAt: &github.Timestamp{Time: time.Now()},
			}))
		}),
	)
}

func rateLimited() mock.MockBackendOption {
	return mock.WithRequestMatchHandler(
		mock.GetReposReleasesLatestByOwnerByRepo,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Ratelimit-Limit", "60")
			w.Header().Set("X-Ratelimit-Remaining", "0")
			w.Header().Set("X-Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
			mock.WriteError(w, http.StatusForbidden, "API rate limit exceeded")
		}),
	)
}

func newTestServer(t *testing.T, opts testServerOptions) (*Server, *notify.Hub) {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard

	if opts.localVersion == "" {
		opts.localVersion = "1.0.0"
	}
	markerPath := filepath.Join(t.TempDir(), "VERSION")
	require.NoError(t, os.WriteFile(markerPath, []byte(opts.localVersion+"\n"), 0o644))
	store := version.NewStore(markerPath)

	cfg := &config.ServerConfig{
		Stage:               "production",
		RepositoryOwner:     "kioskbox",
		RepositoryName:      "kiosk-app",
		VersionFilePath:     markerPath,
		UpdateScriptPath:    opts.script,
		CheckCacheTTL:       time.Minute,
		ExpectedDowntime:    30 * time.Second,
		DisableRequestCache: !opts.requestCache,
		Version:             "1.4.0",
	}

	ghClient := github.NewClient(mock.NewMockedHTTPClient(opts.ghOptions...))
	comparator := release.NewComparator(log, ghClient, cfg.RepositoryOwner, cfg.RepositoryName, cfg.CheckCacheTTL)

	hub := notify.NewHub(log)
	tracker := update.NewTracker(func(st update.State) {
		hub.Broadcast(notify.NewStatusMessage(st))
	})
	supervisor := update.NewSupervisor(log, tracker, cfg.UpdateScriptPath, time.Minute, time.Minute, opts.sandbox)
	supervisor.OnSuccess = func(newVersion string) {
		require.NoError(t, store.Write(newVersion))
		comparator.ClearCache()
	}

	return New(log, cfg, comparator, store, tracker, supervisor, hub), hub
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apply-update.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func sendRequest(s http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{localVersion: "1.2.3"})

	rr := sendRequest(s, "GET", "/")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "kiosk update service", body["service"])
	require.Equal(t, "1.4.0", body["version"])
	require.Equal(t, "1.2.3", body["appVersion"])
}

func TestGetVersion(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{localVersion: "1.2.3"})

	rr := sendRequest(s, "GET", "/version")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["success"])
	require.Equal(t, "1.2.3", body["version"])
	vf := body["versionFile"].(map[string]any)
	require.Equal(t, true, vf["available"])
	require.NotEmpty(t, vf["path"])
}

func TestCheckForUpdatesAvailable(t *testing.T) {
	// current 1.0.0, upstream 1.1.0
	s, _ := newTestServer(t, testServerOptions{
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	rr := sendRequest(s, "GET", "/update/check")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["success"])
	require.Equal(t, true, body["updateAvailable"])
	require.Equal(t, "1.0.0", body["currentVersion"])
	require.Equal(t, "1.1.0", body["latestVersion"])
	info := body["updateInfo"].(map[string]any)
	require.Equal(t, "semver", info["comparisonMethod"])
	require.Equal(t, "https://github.com/kioskbox/kiosk-app", info["repositoryUrl"])
	rate := body["rateLimitInfo"].(map[string]any)
	require.EqualValues(t, 99, rate["remaining"])
}

func TestCheckForUpdatesRateLimited(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		ghOptions: []mock.MockBackendOption{rateLimited()},
	})

	rr := sendRequest(s, "GET", "/update/check")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, false, body["success"])
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
}

func TestCheckRequestCache(t *testing.T) {
	var calls atomic.Int32
	s, _ := newTestServer(t, testServerOptions{
		ghOptions:    []mock.MockBackendOption{latestRelease(&calls, "1.1.0")},
		requestCache: true,
	})

	rr := sendRequest(s, "GET", "/update/check")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("X-Go-Cache"))

	rr = sendRequest(s, "GET", "/update/check")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "HIT", rr.Header().Get("X-Go-Cache"))
	require.EqualValues(t, 1, calls.Load())
}

func TestExecuteNoUpdateAvailable(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		script:    writeScript(t, "exit 0\n"),
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.0.0")},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, false, body["success"])
	require.Equal(t, "NO_UPDATE_AVAILABLE", body["error"])
	ts := body["troubleshooting"].(map[string]any)
	require.NotEmpty(t, ts["suggestedActions"])
}

func TestExecuteRateLimited(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		script:    writeScript(t, "exit 0\n"),
		ghOptions: []mock.MockBackendOption{rateLimited()},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
	ts := body["troubleshooting"].(map[string]any)
	require.Equal(t, true, ts["canRetry"])
}

func TestExecuteScriptMissing(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		script:    "/nonexistent/apply-update.sh",
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "UPDATE_SCRIPT_MISSING", body["error"])

	// the rejected trigger must leave the tracker idle
	rr = sendRequest(s, "GET", "/update/status")
	require.Equal(t, "idle", decodeBody(t, rr)["status"])
}

func TestExecuteAcceptedAndFails(t *testing.T) {
	// triggered update whose script exits 1 with a disk space diagnostic
	s, _ := newTestServer(t, testServerOptions{
		script: writeScript(t, `
echo "Downloading update package"
echo "error: disk space exhausted" >&2
exit 1
`),
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["success"])
	require.Equal(t, "1.0.0", body["currentVersion"])
	require.Equal(t, "1.1.0", body["latestVersion"])

	require.Eventually(t, func() bool {
		rr := sendRequest(s, "GET", "/update/status")
		return decodeBody(t, rr)["status"] == "error"
	}, 10*time.Second, 50*time.Millisecond)

	rr = sendRequest(s, "GET", "/update/status")
	status := decodeBody(t, rr)
	require.Contains(t, status["error"], "disk space")
	ts := status["troubleshooting"].(map[string]any)
	require.NotEmpty(t, ts["suggestedActions"])
}

func TestExecuteAcceptedAndSucceeds(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		script: writeScript(t, `
echo "Downloading update package"
echo "Installing files"
echo "Update complete"
exit 0
`),
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		rr := sendRequest(s, "GET", "/update/status")
		return decodeBody(t, rr)["status"] == "success"
	}, 10*time.Second, 50*time.Millisecond)

	// the version marker now reflects the applied release
	rr = sendRequest(s, "GET", "/version")
	require.Equal(t, "1.1.0", decodeBody(t, rr)["version"])
}

func TestExecuteConflictWhileUpdating(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{
		script:    writeScript(t, "sleep 5\nexit 0\n"),
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "UPDATE_IN_PROGRESS", decodeBody(t, rr)["error"])
}

func TestExecuteBroadcastsShutdownAnnouncement(t *testing.T) {
	s, hub := newTestServer(t, testServerOptions{
		script:    writeScript(t, "exit 0\n"),
		ghOptions: []mock.MockBackendOption{latestRelease(nil, "1.1.0")},
	})

	sub := &recordingSubscriber{}
	hub.Register(sub)

	rr := sendRequest(s, "POST", "/update/execute")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		for _, raw := range sub.received() {
			var env map[string]any
			if json.Unmarshal(raw, &env) == nil && env["type"] == "serverShutdown" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

type recordingSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingSubscriber) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSubscriber) IsAlive() bool { return true }

func (r *recordingSubscriber) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.messages...)
}

func TestGetUpdateStatusIdle(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{})

	rr := sendRequest(s, "GET", "/update/status")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["success"])
	require.Equal(t, "idle", body["status"])
	require.EqualValues(t, 0, body["progress"])
}

func TestGetHealth(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{})

	rr := sendRequest(s, "GET", "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "OK", body["status"])
	perf := body["performance"].(map[string]any)
	require.Contains(t, perf, "uptime")
	require.Contains(t, perf, "memory")
}

func TestNotFoundHandler(t *testing.T) {
	s, _ := newTestServer(t, testServerOptions{})

	rr := sendRequest(s, "GET", "/nope")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "NOT_FOUND", decodeBody(t, rr)["error"])
}
