package local

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const (
	stdoutFileName = "stdout"
	stderrFileName = "stderr"
)

// process is one running trial. The fields below mu are written by the
// wait goroutine.
type process struct {
	handle ts.Handle
	spec   ts.TrialSpec
	dir    string
	cmd    *exec.Cmd
	tail   *ts.MetricTail
	done   chan struct{}

	mu       sync.Mutex
	status   ts.Status
	start    time.Time
	end      time.Time
	exitCode int
	canceled bool
	released bool
}

// start launches argv in runDir with the trial's environment on top of ours,
// in its own process group so a cancel reaches its children. dir receives
// parameter.cfg, the metric file and the output logs.
func start(h ts.Handle, spec ts.TrialSpec, dir, runDir string, argv []string, onExit func(*process)) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no trial command configured")
	}
	sysDir := dir
	if err := os.MkdirAll(sysDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(sysDir, ts.ParameterFile), spec.Parameters, 0644); err != nil {
		return nil, err
	}
	metricFile := filepath.Join(sysDir, ts.MetricFileName)

	stdout, err := os.Create(filepath.Join(sysDir, stdoutFileName))
	if err != nil {
		return nil, err
	}
	stderr, err := os.Create(filepath.Join(sysDir, stderrFileName))
	if err != nil {
		stdout.Close()
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = runDir
	cmd.Env = append(os.Environ(), spec.Env(sysDir, metricFile)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Pipes rather than the files directly; Wait can hang on inherited fds.
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdout, outPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(stderr, errPipe)
	}()

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	p := &process{
		handle: h,
		spec:   spec,
		dir:    dir,
		cmd:    cmd,
		tail:   &ts.MetricTail{Path: metricFile},
		done:   make(chan struct{}),
		status: ts.Running,
		start:  time.Now(),
	}
	go func() {
		wg.Wait()
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.exited(err)
		close(p.done)
		onExit(p)
	}()
	return p, nil
}

func (p *process) exited(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.end = time.Now()
	p.exitCode = exitCode(err)
	switch {
	case p.canceled:
		p.status = ts.UserCanceled
	case err == nil:
		p.status = ts.Succeeded
	default:
		p.status = ts.Failed
	}
	log.WithFields(log.Fields{
		"trialJobID": p.spec.TrialJobID,
		"pid":        p.cmd.Process.Pid,
		"exitCode":   p.exitCode,
		"status":     p.status,
	}).Info("Trial process exited")
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}

// abort sends SIGTERM to the process group, then SIGKILL if it is still
// alive after grace.
func (p *process) abort(grace time.Duration) {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		log.WithFields(log.Fields{
			"pid": pid,
			"err": err,
		}).Error("Error aborting trial via SIGTERM")
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		log.WithFields(log.Fields{
			"pid":   pid,
			"grace": grace,
		}).Info("Trial ignored SIGTERM, killing")
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (p *process) snapshot() ts.StatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ts.StatusUpdate{
		Handle:     p.handle,
		TrialJobID: p.spec.TrialJobID,
		Status:     p.status,
		StartTime:  p.start,
		EndTime:    p.end,
		ExitCode:   p.exitCode,
	}
}
