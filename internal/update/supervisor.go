package update

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// progressPhrases maps recognizable update script output onto a coarse
// percentage. First match wins; unmatched output still counts as activity.
var progressPhrases = []struct {
	phrase   string
	progress int
}{
	{"complet", 100},
	{"configur", 75},
	{"install", 50},
	{"download", 25},
}

func inferProgress(line string) int {
	l := strings.ToLower(line)
	for _, p := range progressPhrases {
		if strings.Contains(l, p.phrase) {
			return p.progress
		}
	}
	return -1
}

const maxDiagnosticBytes = 16 * 1024

// Supervisor launches the external update procedure as a detached process,
// turns its output into tracker events, and enforces the overall and stall
// timeouts. The subprocess is expected to replace this service, so it runs in
// its own process group and is never killed on success paths.
type Supervisor struct {
	log         *logrus.Logger
	tracker     *Tracker
	scriptPath  string
	ceiling     time.Duration
	stallWindow time.Duration
	sandbox     bool

	// OnSuccess runs after a zero exit, before the success transition is
	// published, e.g. to rewrite the version marker.
	OnSuccess func(newVersion string)
}

func NewSupervisor(log *logrus.Logger, tracker *Tracker, scriptPath string, ceiling, stallWindow time.Duration, sandbox bool) *Supervisor {
	return &Supervisor{
		log:         log,
		tracker:     tracker,
		scriptPath:  scriptPath,
		ceiling:     ceiling,
		stallWindow: stallWindow,
		sandbox:     sandbox,
	}
}

// Preflight verifies the update script exists and is executable. A failure
// here is an initiation error: the episode never starts and the tracker is
// not touched.
func (s *Supervisor) Preflight() error {
	if s.sandbox {
		return nil
	}
	info, err := os.Stat(s.scriptPath)
	if err != nil || info.IsDir() {
		return ErrScriptMissing
	}
	if info.Mode().Perm()&0o111 == 0 {
		return ErrScriptMissing
	}
	return nil
}

// Start launches the update procedure and returns immediately. All outcomes,
// including launch failures, are reported through tracker events. In sandbox
// mode a synthetic run is scheduled instead of the real script.
func (s *Supervisor) Start(newVersion string) {
	if s.sandbox {
		go s.runSandbox(newVersion)
		return
	}
	go s.run(newVersion)
}

func (s *Supervisor) runSandbox(newVersion string) {
	s.log.Warn("sandbox mode: skipping real update script, scheduling synthetic success")
	steps := []Event{
		{Kind: EventOutput, Message: "Downloading update package", Progress: 25},
		{Kind: EventOutput, Message: "Installing update", Progress: 50},
		{Kind: EventOutput, Message: "Configuring services", Progress: 75},
		{Kind: EventOutput, Message: "Update complete", Progress: 100},
	}
	for _, ev := range steps {
		time.Sleep(200 * time.Millisecond)
		s.tracker.Apply(ev)
	}
	if s.OnSuccess != nil {
		s.OnSuccess(newVersion)
	}
	s.tracker.Apply(Event{Kind: EventExit, ExitCode: 0})
}

func (s *Supervisor) run(newVersion string) {
	cmd := exec.Command(s.scriptPath)
	// Own process group: the script survives replacement of this service and
	// can be signalled as a group on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.tracker.Apply(Event{Kind: EventLaunchFailed, Diagnostic: fmt.Sprintf("could not open stdout pipe: %v", err)})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.tracker.Apply(Event{Kind: EventLaunchFailed, Diagnostic: fmt.Sprintf("could not open stderr pipe: %v", err)})
		return
	}
	if err := cmd.Start(); err != nil {
		s.tracker.Apply(Event{Kind: EventLaunchFailed, Diagnostic: fmt.Sprintf("could not start update script: %v", err)})
		return
	}
	s.log.Infof("update script started (pid %d)", cmd.Process.Pid)

	var (
		activityMu   sync.Mutex
		lastActivity = time.Now()
		diagMu       sync.Mutex
		diagnostic   strings.Builder
	)
	touch := func() {
		activityMu.Lock()
		lastActivity = time.Now()
		activityMu.Unlock()
	}
	sinceActivity := func() time.Duration {
		activityMu.Lock()
		defer activityMu.Unlock()
		return time.Since(lastActivity)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			touch()
			s.log.Debugf("update: %s", line)
			s.tracker.Apply(Event{Kind: EventOutput, Message: line, Progress: inferProgress(line)})
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			touch()
			s.log.Warnf("update stderr: %s", line)
			diagMu.Lock()
			if diagnostic.Len() < maxDiagnosticBytes {
				diagnostic.WriteString(line)
				diagnostic.WriteString("\n")
			}
			diagMu.Unlock()
		}
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	ceiling := time.NewTimer(s.ceiling)
	defer ceiling.Stop()
	interval := s.stallWindow / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	stallCheck := time.NewTicker(interval)
	defer stallCheck.Stop()

	killGroup := func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	getDiagnostic := func() string {
		diagMu.Lock()
		defer diagMu.Unlock()
		return strings.TrimSpace(diagnostic.String())
	}

	for {
		select {
		case err := <-done:
			code := 0
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else if err != nil {
				code = -1
			}
			if code == 0 {
				s.log.Info("update script finished successfully")
				if s.OnSuccess != nil {
					s.OnSuccess(newVersion)
				}
			} else {
				s.log.Errorf("update script exited with code %d", code)
			}
			s.tracker.Apply(Event{Kind: EventExit, ExitCode: code, Diagnostic: getDiagnostic()})
			return
		case <-ceiling.C:
			s.log.Errorf("update exceeded the %s ceiling, killing process group", s.ceiling)
			killGroup()
			diag := fmt.Sprintf("update timed out after %s", s.ceiling)
			if gd := getDiagnostic(); gd != "" {
				diag += ": " + gd
			}
			s.tracker.Apply(Event{Kind: EventTimeout, Diagnostic: diag})
			return
		case <-stallCheck.C:
			if sinceActivity() < s.stallWindow {
				continue
			}
			s.log.Errorf("no update output for %s, killing process group", s.stallWindow)
			killGroup()
			diag := fmt.Sprintf("no output from update script for %s", s.stallWindow)
			if gd := getDiagnostic(); gd != "" {
				diag += ": " + gd
			}
			s.tracker.Apply(Event{Kind: EventStalled, Diagnostic: diag})
			return
		}
	}
}
