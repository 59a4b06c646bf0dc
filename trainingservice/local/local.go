// Package local runs each trial as a child process on this machine.
package local

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const DefaultAbortGrace = 10 * time.Second

// Cluster metadata keys the local service accepts.
const (
	MetadataCommand = "command"
	MetadataCodeDir = "codeDir"
)

type Config struct {
	// Trial directories are created under RootDir/trials unless the spec
	// names one. Trials run in "codeDir" metadata when set, else there.
	RootDir string
	// Argv of the trial; "command" metadata replaces it with sh -c <command>.
	Command    []string
	AbortGrace time.Duration
}

type Service struct {
	cfg Config

	mu      sync.Mutex
	procs   map[ts.Handle]*process
	order   []ts.Handle
	changes []ts.StatusUpdate
	codeDir string
}

func NewService(cfg Config) *Service {
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = DefaultAbortGrace
	}
	return &Service{cfg: cfg, procs: make(map[ts.Handle]*process)}
}

func (s *Service) Submit(ctx context.Context, spec ts.TrialSpec) (ts.Handle, error) {
	s.mu.Lock()
	h := ts.Handle(fmt.Sprintf("local-%s", spec.TrialJobID))
	argv := append([]string(nil), s.cfg.Command...)
	dir := spec.WorkDir
	if dir == "" {
		dir = filepath.Join(s.cfg.RootDir, "trials", spec.TrialJobID)
	}
	runDir := dir
	if s.codeDir != "" {
		runDir = s.codeDir
	}
	s.mu.Unlock()

	p, err := start(h, spec, dir, runDir, argv, s.exited)
	if err != nil {
		return "", kerrors.NewTrainingServiceError("submit", errors.Wrapf(err, "starting trial %s", spec.TrialJobID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[h] = p
	s.order = append(s.order, h)
	s.changes = append(s.changes, p.snapshot())
	log.WithFields(log.Fields{
		"trialJobID": spec.TrialJobID,
		"pid":        p.cmd.Process.Pid,
		"dir":        dir,
	}).Info("Started trial process")
	return h, nil
}

func (s *Service) exited(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, p.snapshot())
}

func (s *Service) Cancel(ctx context.Context, h ts.Handle) error {
	s.mu.Lock()
	p, ok := s.procs[h]
	s.mu.Unlock()
	if !ok {
		return kerrors.NewNotFoundError("no trial with handle %s", h)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	go p.abort(s.cfg.AbortGrace)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return kerrors.NewTrainingServiceError("cancel", ctx.Err())
	}
}

// Poll takes status changes before reading metric files, so every line a
// trial wrote before exiting is returned no later than its exit status.
func (s *Service) Poll(ctx context.Context) (ts.Update, error) {
	s.mu.Lock()
	u := ts.Update{Statuses: s.changes}
	s.changes = nil
	var procs []*process
	for _, h := range s.order {
		procs = append(procs, s.procs[h])
	}
	s.mu.Unlock()

	for _, p := range procs {
		reports, err := p.tail.Read()
		if err != nil {
			log.WithFields(log.Fields{
				"trialJobID": p.spec.TrialJobID,
				"err":        err,
			}).Warn("Couldn't read metric file")
			continue
		}
		for _, r := range reports {
			if r.TrialJobID == "" {
				r.TrialJobID = p.spec.TrialJobID
			}
			u.Metrics = append(u.Metrics, ts.MetricUpdate{Handle: p.handle, Report: r})
		}
	}
	return u, nil
}

func (s *Service) List(ctx context.Context) ([]ts.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ts.StatusUpdate, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.procs[h].snapshot())
	}
	return out, nil
}

func (s *Service) SetClusterMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case MetadataCommand:
		if strings.TrimSpace(value) == "" {
			return errors.New("empty trial command")
		}
		s.cfg.Command = []string{"sh", "-c", value}
	case MetadataCodeDir:
		s.codeDir = value
	default:
		return errors.Errorf("local training service does not accept cluster metadata %q", key)
	}
	return nil
}

func (s *Service) Release(h ts.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, h)
	for i, o := range s.order {
		if o == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
