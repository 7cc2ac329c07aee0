package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kioskbox/update-service/internal/notify"
	"github.com/kioskbox/update-service/internal/release"
	"github.com/kioskbox/update-service/internal/update"
	"github.com/kioskbox/update-service/internal/version"
)

type versionFileInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
}

type versionResponse struct {
	Success     bool            `json:"success"`
	Version     string          `json:"version"`
	VersionFile versionFileInfo `json:"versionFile"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, &versionResponse{
		Success: true,
		Version: s.store.Current(),
		VersionFile: versionFileInfo{
			Available: s.store.Available(),
			Path:      s.store.Path(),
		},
		Timestamp: time.Now(),
	})
}

type updateInfo struct {
	ComparisonMethod version.Method     `json:"comparisonMethod"`
	RepositoryURL    string             `json:"repositoryUrl"`
	LastChecked      time.Time          `json:"lastChecked"`
	RemoteInfo       release.RemoteInfo `json:"remoteInfo"`
}

type checkResponse struct {
	Success         bool              `json:"success"`
	UpdateAvailable bool              `json:"updateAvailable"`
	CurrentVersion  string            `json:"currentVersion"`
	LatestVersion   string            `json:"latestVersion"`
	UpdateInfo      updateInfo        `json:"updateInfo"`
	RateLimitInfo   release.RateLimit `json:"rateLimitInfo"`
}

func newCheckResponse(info *release.ReleaseInfo) *checkResponse {
	return &checkResponse{
		Success:         true,
		UpdateAvailable: info.UpdateAvailable,
		CurrentVersion:  info.LocalVersion,
		LatestVersion:   info.RemoteVersion,
		UpdateInfo: updateInfo{
			ComparisonMethod: info.ComparisonMethod,
			RepositoryURL:    info.RepositoryURL,
			LastChecked:      info.LastChecked,
			RemoteInfo:       info.RemoteInfo,
		},
		RateLimitInfo: info.RateLimit,
	}
}

// writeCheckError maps comparator errors onto their transport statuses.
func (s *Server) writeCheckError(w http.ResponseWriter, r *http.Request, err error, withTroubleshooting bool) {
	var ts *update.Troubleshooting
	if withTroubleshooting {
		ts = update.DeriveTroubleshooting(err.Error())
	}
	var relErr *release.Error
	if errors.As(err, &relErr) {
		s.writeJSONError(w, r, relErr.Status, relErr.Code, err, ts)
		return
	}
	s.writeJSONError(w, r, http.StatusInternalServerError, "UPDATE_CHECK_FAILED", err, ts)
}

func (s *Server) checkForUpdates(w http.ResponseWriter, r *http.Request) {
	if err := s.checkSem.Acquire(r.Context(), 1); err != nil {
		s.writeJSONError(w, r, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", err, nil)
		return
	}
	defer s.checkSem.Release(1)

	info, err := s.comparator.CheckForUpdates(r.Context(), s.store.Current())
	if err != nil {
		s.writeCheckError(w, r, err, false)
		return
	}
	res := newCheckResponse(info)
	s.setInCache(r.Context(), s.getCacheKeyFromRequest(r), res)
	s.writeJSON(w, res)
}

type executeResponse struct {
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion"`
	UpdateInfo     updateInfo `json:"updateInfo"`
}

func (s *Server) executeUpdate(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.requestLogger(r)

	var info *release.ReleaseInfo
	err := s.tracker.Begin(func() (bool, error) {
		if err := s.supervisor.Preflight(); err != nil {
			return false, err
		}
		if err := s.checkSem.Acquire(r.Context(), 1); err != nil {
			return false, err
		}
		defer s.checkSem.Release(1)
		checked, err := s.comparator.CheckForUpdates(r.Context(), s.store.Current())
		if err != nil {
			return false, err
		}
		info = checked
		return info.UpdateAvailable, nil
	})
	if err != nil {
		var updErr *update.Error
		if errors.As(err, &updErr) {
			s.writeJSONError(w, r, updErr.Status, updErr.Code, err, update.DeriveTroubleshooting(err.Error()))
			return
		}
		s.writeCheckError(w, r, err, true)
		return
	}

	reqLogger.Warnf("update accepted: %s -> %s", info.LocalVersion, info.RemoteVersion)

	// Announce the intentional interruption before anything can restart the
	// service, so clients can tell it apart from a crash.
	s.hub.Broadcast(notify.NewShutdownMessage(s.config.ExpectedDowntime))
	s.invalidateByPrefix(cacheKey(cacheKeyPrefixRequest))
	s.supervisor.Start(info.RemoteVersion)

	s.writeJSON(w, &executeResponse{
		Success:        true,
		Message:        "Update started",
		CurrentVersion: info.LocalVersion,
		LatestVersion:  info.RemoteVersion,
		UpdateInfo: updateInfo{
			ComparisonMethod: info.ComparisonMethod,
			RepositoryURL:    info.RepositoryURL,
			LastChecked:      info.LastChecked,
			RemoteInfo:       info.RemoteInfo,
		},
	})
}

type statusResponse struct {
	Success         bool                    `json:"success"`
	Status          update.Status           `json:"status"`
	Message         string                  `json:"message"`
	Progress        int                     `json:"progress"`
	Timestamp       time.Time               `json:"timestamp"`
	Error           string                  `json:"error,omitempty"`
	Troubleshooting *update.Troubleshooting `json:"troubleshooting,omitempty"`
}

func (s *Server) getUpdateStatus(w http.ResponseWriter, r *http.Request) {
	st := s.tracker.Snapshot()
	s.writeJSON(w, &statusResponse{
		Success:         true,
		Status:          st.Status,
		Message:         st.Message,
		Progress:        st.Progress,
		Timestamp:       st.Timestamp,
		Error:           st.Error,
		Troubleshooting: st.Troubleshooting,
	})
}

type healthPerformance struct {
	UptimeSeconds float64 `json:"uptime"`
	MemoryBytes   uint64  `json:"memory"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	Message     string            `json:"message"`
	Performance healthPerformance `json:"performance"`
	Timestamp   time.Time         `json:"timestamp"`
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	var rss uint64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			rss = mem.RSS
		}
	}
	s.writeJSON(w, &healthResponse{
		Status:  "OK",
		Message: "service is running",
		Performance: healthPerformance{
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			MemoryBytes:   rss,
		},
		Timestamp: time.Now(),
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	notify.ServeWS(s.log, s.hub, s.tracker, w, r)
}
