// Package docker runs each trial in its own container. The trial directory
// is bind-mounted so the metric file can be tailed from the host.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const (
	containerTrialDir = "/kestrel/trial"
	containerCodeDir  = "/kestrel/code"

	labelExperiment = "kestrel.experiment"
	labelTrial      = "kestrel.trial"

	logFileName = "container.log"
)

// Cluster metadata keys the docker service accepts.
const (
	MetadataImage   = "image"
	MetadataCommand = "command"
	MetadataCodeDir = "codeDir"
	MetadataCPU     = "cpuLimit"
	MetadataMemory  = "memoryLimit"
)

type Config struct {
	RootDir     string
	Image       string
	Command     []string
	CPULimit    float64
	MemoryLimit int64
}

type trial struct {
	handle      ts.Handle
	spec        ts.TrialSpec
	containerID string
	dir         string
	tail        *ts.MetricTail
	done        chan struct{}

	mu       sync.Mutex
	status   ts.Status
	start    time.Time
	end      time.Time
	exitCode int
	canceled bool
}

type Service struct {
	cli *client.Client

	mu      sync.Mutex
	cfg     Config
	codeDir string
	trials  map[ts.Handle]*trial
	order   []ts.Handle
	changes []ts.StatusUpdate
}

// NewService connects to the docker daemon named by the environment.
func NewService(cfg Config) (*Service, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, kerrors.NewFatalError(errors.Wrap(err, "creating docker client"), kerrors.TrainingServiceInitExitCode)
	}
	return &Service{cli: cli, cfg: cfg, trials: make(map[ts.Handle]*trial)}, nil
}

func (s *Service) Close() error {
	return s.cli.Close()
}

func (s *Service) Submit(ctx context.Context, spec ts.TrialSpec) (ts.Handle, error) {
	s.mu.Lock()
	cfg := s.cfg
	codeDir := s.codeDir
	s.mu.Unlock()
	if cfg.Image == "" {
		return "", kerrors.NewTrainingServiceError("submit", errors.New("no image configured"))
	}

	dir := spec.WorkDir
	if dir == "" {
		dir = filepath.Join(cfg.RootDir, "trials", spec.TrialJobID)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", kerrors.NewTrainingServiceError("submit", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", kerrors.NewTrainingServiceError("submit", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ts.ParameterFile), spec.Parameters, 0644); err != nil {
		return "", kerrors.NewTrainingServiceError("submit", err)
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: dir,
		Target: containerTrialDir,
	}}
	workDir := containerTrialDir
	if codeDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   codeDir,
			Target:   containerCodeDir,
			ReadOnly: true,
		})
		workDir = containerCodeDir
	}
	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if cfg.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(cfg.CPULimit * 1e9)
	}
	if cfg.MemoryLimit > 0 {
		hostCfg.Memory = cfg.MemoryLimit
	}
	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        spec.Env(containerTrialDir, containerTrialDir+"/"+ts.MetricFileName),
		WorkingDir: workDir,
		Labels: map[string]string{
			labelExperiment: spec.ExperimentID,
			labelTrial:      spec.TrialJobID,
		},
	}

	created, err := s.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", kerrors.NewTrainingServiceError("submit", errors.Wrap(err, "creating container"))
	}
	if _, err := s.cli.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		s.cli.ContainerRemove(context.Background(), created.ID, client.ContainerRemoveOptions{Force: true})
		return "", kerrors.NewTrainingServiceError("submit", errors.Wrap(err, "starting container"))
	}

	h := ts.Handle(created.ID)
	t := &trial{
		handle:      h,
		spec:        spec,
		containerID: created.ID,
		dir:         dir,
		tail:        &ts.MetricTail{Path: filepath.Join(dir, ts.MetricFileName)},
		done:        make(chan struct{}),
		status:      ts.Running,
		start:       time.Now(),
	}
	s.mu.Lock()
	s.trials[h] = t
	s.order = append(s.order, h)
	s.changes = append(s.changes, t.snapshot())
	s.mu.Unlock()

	go s.wait(t)
	log.WithFields(log.Fields{
		"trialJobID":  spec.TrialJobID,
		"containerID": created.ID,
		"image":       cfg.Image,
	}).Info("Started trial container")
	return h, nil
}

// wait blocks until the container stops, saves its logs next to the metric
// file and records the exit status.
func (s *Service) wait(t *trial) {
	var code int
	var waitErr error
	res := s.cli.ContainerWait(context.Background(), t.containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for done := false; !done; {
		select {
		case err := <-res.Error:
			if err != nil {
				waitErr, done = err, true
			}
		case status := <-res.Result:
			code, done = int(status.StatusCode), true
		}
	}
	s.saveLogs(t)

	t.mu.Lock()
	t.end = time.Now()
	t.exitCode = code
	switch {
	case t.canceled:
		t.status = ts.UserCanceled
	case waitErr != nil:
		t.status = ts.Failed
		t.exitCode = -1
	case code == 0:
		t.status = ts.Succeeded
	default:
		t.status = ts.Failed
	}
	t.mu.Unlock()
	close(t.done)

	log.WithFields(log.Fields{
		"trialJobID":  t.spec.TrialJobID,
		"containerID": t.containerID,
		"exitCode":    code,
		"err":         waitErr,
	}).Info("Trial container stopped")

	s.mu.Lock()
	s.changes = append(s.changes, t.snapshot())
	s.mu.Unlock()
}

func (s *Service) saveLogs(t *trial) {
	rd, err := s.cli.ContainerLogs(context.Background(), t.containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil || rd == nil {
		return
	}
	defer rd.Close()
	f, err := os.Create(filepath.Join(t.dir, logFileName))
	if err != nil {
		return
	}
	defer f.Close()
	io.Copy(f, rd)
}

func (s *Service) Cancel(ctx context.Context, h ts.Handle) error {
	s.mu.Lock()
	t, ok := s.trials[h]
	s.mu.Unlock()
	if !ok {
		return kerrors.NewNotFoundError("no trial with handle %s", h)
	}
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
	s.cli.ContainerKill(ctx, t.containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return kerrors.NewTrainingServiceError("cancel", ctx.Err())
	}
}

func (s *Service) Poll(ctx context.Context) (ts.Update, error) {
	s.mu.Lock()
	u := ts.Update{Statuses: s.changes}
	s.changes = nil
	var trials []*trial
	for _, h := range s.order {
		trials = append(trials, s.trials[h])
	}
	s.mu.Unlock()

	for _, t := range trials {
		reports, err := t.tail.Read()
		if err != nil {
			log.WithFields(log.Fields{
				"trialJobID": t.spec.TrialJobID,
				"err":        err,
			}).Warn("Couldn't read metric file")
			continue
		}
		for _, r := range reports {
			if r.TrialJobID == "" {
				r.TrialJobID = t.spec.TrialJobID
			}
			u.Metrics = append(u.Metrics, ts.MetricUpdate{Handle: t.handle, Report: r})
		}
	}
	return u, nil
}

func (s *Service) List(ctx context.Context) ([]ts.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ts.StatusUpdate, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.trials[h].snapshot())
	}
	return out, nil
}

func (s *Service) SetClusterMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case MetadataImage:
		s.cfg.Image = value
	case MetadataCommand:
		s.cfg.Command = []string{"sh", "-c", value}
	case MetadataCodeDir:
		abs, err := filepath.Abs(value)
		if err != nil {
			return err
		}
		s.codeDir = abs
	case MetadataCPU:
		cpu, err := strconv.ParseFloat(value, 64)
		if err != nil || cpu <= 0 {
			return errors.Errorf("invalid %s %q", key, value)
		}
		s.cfg.CPULimit = cpu
	case MetadataMemory:
		mem, err := strconv.ParseInt(value, 10, 64)
		if err != nil || mem <= 0 {
			return errors.Errorf("invalid %s %q", key, value)
		}
		s.cfg.MemoryLimit = mem
	default:
		return fmt.Errorf("docker training service does not accept cluster metadata %q", key)
	}
	return nil
}

// Release removes the container. Its logs were already saved.
func (s *Service) Release(h ts.Handle) {
	s.mu.Lock()
	t, ok := s.trials[h]
	delete(s.trials, h)
	for i, o := range s.order {
		if o == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if ok {
		s.cli.ContainerRemove(context.Background(), t.containerID, client.ContainerRemoveOptions{Force: true})
	}
}

func (t *trial) snapshot() ts.StatusUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ts.StatusUpdate{
		Handle:     t.handle,
		TrialJobID: t.spec.TrialJobID,
		Status:     t.status,
		StartTime:  t.start,
		EndTime:    t.end,
		ExitCode:   t.exitCode,
	}
}
