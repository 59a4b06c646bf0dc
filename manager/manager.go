// Package manager is the experiment orchestrator. It owns trial lifecycle,
// submits trials to a training service, routes metrics to the advisor and
// journals every change so an experiment can be resumed after a crash.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kestrel-ml/kestrel/async"
	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/common/log/hooks"
	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/hyperband"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/metrics"
	"github.com/kestrel-ml/kestrel/protocol"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const (
	// How often step is called when nothing else wakes the loop.
	DefaultTickRate = 250 * time.Millisecond

	DefaultPollInterval   = time.Second
	DefaultPollTimeout    = 30 * time.Second
	DefaultCancelTimeout  = 10 * time.Second
	DefaultSubmitRetries  = 5
	DefaultSubmitBackoff  = 500 * time.Millisecond
	DefaultSubmitMaxDelay = 30 * time.Second

	// Max number of budgets to track average trial durations for.
	DefaultMaxDurationKeys = 10000

	advisorQueueSize = 1024

	submitErrorFileName = "submit_error.log"
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("KESTREL_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

// Config holds the orchestrator's own settings. Zero values take the
// defaults above.
type Config struct {
	TickRate       time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	CancelTimeout  time.Duration
	SubmitRetries  int
	SubmitBackoff  time.Duration
	SubmitMaxDelay time.Duration
	// Trial directories are <WorkDir>/<experiment id>/trials/<trial id>.
	WorkDir string
}

func (c *Config) setDefaults() {
	if c.TickRate <= 0 {
		c.TickRate = DefaultTickRate
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = DefaultSubmitRetries
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = DefaultSubmitBackoff
	}
	if c.SubmitMaxDelay <= 0 {
		c.SubmitMaxDelay = DefaultSubmitMaxDelay
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "kestrel")
	}
}

// Advisor is a scheduling algorithm. Handle must be deterministic in its
// inbound messages; Run serves it over a control channel.
type Advisor interface {
	Handle(m protocol.Message) ([]protocol.Message, error)
	Run(ctx context.Context, conn protocol.Conn) error
}

// AdvisorFactory builds the advisor a profile asks for.
type AdvisorFactory func(p Profile) (Advisor, error)

// HyperbandFactory builds a hyperband.Advisor from the profile's classArgs.
func HyperbandFactory(stat stats.StatsReceiver) AdvisorFactory {
	return func(p Profile) (Advisor, error) {
		cfg, err := p.AdvisorConfig()
		if err != nil {
			return nil, err
		}
		return hyperband.NewAdvisor(cfg, stat)
	}
}

// ErrClosed is returned by operations after Close.
var ErrClosed = errors.New("experiment manager is closed")

type opRequest struct {
	run      func(reply func(error))
	resultCh chan error
}

type advisorMsg struct {
	msg protocol.Message
	err error
}

// Manager runs one experiment.
//
// Manager Concurrency: all experiment state is owned by a single loop
// goroutine. Public operations are sent to the loop as requests and wait for
// its reply. Blocking I/O (submit, cancel, poll) runs through async.Runner in
// its own goroutine; its callbacks run inside the loop and are the only code
// that applies the results.
type Manager struct {
	config     Config
	svc        ts.Service
	journal    journal.Journal
	newAdvisor AdvisorFactory
	stat       stats.StatsReceiver

	store       *metrics.Store
	asyncRunner async.Runner
	opCh        chan opRequest
	advisorCh   chan advisorMsg
	stepTicker  *time.Ticker
	pollLimiter *rate.Limiter
	ctx         context.Context
	cancelCtx   context.CancelFunc

	startMu   sync.Mutex
	started   bool
	closeOnce sync.Once
	closeCh   chan struct{}
	loopDone  chan struct{}
	finished  chan struct{}

	// Loop state.
	recorder         *journal.Recorder
	exp              Experiment
	readonly         bool
	limitReached     bool
	advisorExhausted bool
	budgetKey        string
	conn             protocol.Conn
	trials           map[string]*TrialJob
	order            []*TrialJob
	byHandle         map[ts.Handle]*TrialJob
	queued           []*TrialJob
	pendingConfigs   []protocol.TrialConfig
	credits          int
	nextSeq          int
	pollInFlight     bool
	submitsInFlight  int
	early            map[ts.Handle]*ts.Update
	imported         []string
	metadata         map[string]string
	durations        *lru.Cache
	ops              []opRequest
	inbound          []advisorMsg
	finishedClosed   bool
	failErr          error
}

// NewManager builds a manager. Nothing runs until StartExperiment or
// ResumeExperiment.
func NewManager(config Config, svc ts.Service, j journal.Journal, newAdvisor AdvisorFactory, stat stats.StatsReceiver) (*Manager, error) {
	config.setDefaults()
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if newAdvisor == nil {
		newAdvisor = HyperbandFactory(stat)
	}
	store, err := metrics.NewStore()
	if err != nil {
		return nil, err
	}
	durations, err := lru.New(DefaultMaxDurationKeys)
	if err != nil {
		return nil, errors.Wrap(err, "creating trial duration cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:      config,
		svc:         svc,
		journal:     j,
		newAdvisor:  newAdvisor,
		stat:        stat.Scope("manager"),
		store:       store,
		asyncRunner: async.NewRunner(),
		opCh:        make(chan opRequest),
		advisorCh:   make(chan advisorMsg, advisorQueueSize),
		pollLimiter: rate.NewLimiter(rate.Every(config.PollInterval), 1),
		ctx:         ctx,
		cancelCtx:   cancel,
		closeCh:     make(chan struct{}),
		loopDone:    make(chan struct{}),
		finished:    make(chan struct{}),
		trials:      make(map[string]*TrialJob),
		byHandle:    make(map[ts.Handle]*TrialJob),
		metadata:    make(map[string]string),
		durations:   durations,
		budgetKey:   hyperband.DefaultBudgetKey,
	}, nil
}

// claim marks the manager as started; an experiment can be started or
// resumed once per manager.
func (m *Manager) claim() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return kerrors.NewValidationError("experiment %s already started", m.exp.ID)
	}
	m.started = true
	return nil
}

// unclaim undoes claim after a start that failed before the loop ran.
func (m *Manager) unclaim() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.started = false
}

func (m *Manager) isStarted() bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.started
}

// Finished is closed once the experiment reaches DONE, STOPPED or ERROR.
func (m *Manager) Finished() <-chan struct{} {
	return m.finished
}

// Err returns the error that moved the experiment to ERROR. It is only
// meaningful once Finished is closed.
func (m *Manager) Err() error {
	select {
	case <-m.finished:
		return m.failErr
	default:
		return nil
	}
}

// Close stops the loop and the advisor without touching trials, as a crash
// would. Use the stop operations for an orderly shutdown.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if m.isStarted() {
			<-m.loopDone
		}
		m.cancelCtx()
		if m.conn != nil {
			m.conn.Close()
		}
		if m.stepTicker != nil {
			m.stepTicker.Stop()
		}
	})
	return nil
}

// run the loop until Close. Nothing but looping here so tests can drive
// step() directly.
func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		m.step()
		select {
		case req := <-m.opCh:
			m.ops = append(m.ops, req)
		case msg := <-m.advisorCh:
			m.inbound = append(m.inbound, msg)
		case <-m.asyncRunner.Ready():
		case <-m.stepTicker.C:
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) startLoop() {
	m.stepTicker = time.NewTicker(m.config.TickRate)
	go m.loop()
}

// run one loop iteration
func (m *Manager) step() {
	defer m.stat.Latency(stats.ManagerStepLatency_ms).Time().Stop()

	m.drain()
	ops := m.ops
	m.ops = nil
	for _, op := range ops {
		resultCh := op.resultCh
		op.run(func(err error) {
			select {
			case resultCh <- err:
			default:
			}
		})
	}

	procMessagesLatency := m.stat.Latency(stats.ManagerProcessMessagesLatency_ms).Time()
	m.asyncRunner.ProcessMessages()
	procMessagesLatency.Stop()

	inbound := m.inbound
	m.inbound = nil
	for _, msg := range inbound {
		m.handleAdvisorMessage(msg)
	}

	if !m.readonly {
		m.pollTrials()
		m.checkLimits()
		m.dispatch()
		m.requestTrials()
		m.checkDone()
	}
	m.updateStats()
}

// drain moves whatever is waiting on the request channels into this step.
func (m *Manager) drain() {
	for {
		select {
		case req := <-m.opCh:
			m.ops = append(m.ops, req)
		case msg := <-m.advisorCh:
			m.inbound = append(m.inbound, msg)
		default:
			return
		}
	}
}

// doAsync runs fn on the loop goroutine and waits for it to call reply.
func (m *Manager) doAsync(fn func(reply func(error))) error {
	if !m.isStarted() {
		return kerrors.NewNotFoundError("no experiment started")
	}
	req := opRequest{run: fn, resultCh: make(chan error, 1)}
	select {
	case m.opCh <- req:
	case <-m.loopDone:
		return ErrClosed
	}
	select {
	case err := <-req.resultCh:
		return err
	case <-m.loopDone:
		return ErrClosed
	}
}

func (m *Manager) do(fn func() error) error {
	return m.doAsync(func(reply func(error)) {
		reply(fn())
	})
}

func (m *Manager) updateStats() {
	running := 0
	for _, t := range m.order {
		if t.Handle != "" && !t.settled() {
			running++
		}
	}
	m.stat.Gauge(stats.ManagerRunningTrialsGauge).Update(int64(running))
	m.stat.Gauge(stats.ManagerFreeSlotsGauge).Update(int64(m.freeSlots()))
	m.stat.Gauge(stats.ManagerPendingConfigsGauge).Update(int64(len(m.pendingConfigs)))
}

// record appends an event to the experiment's journal. A failed append
// leaves persisted state behind memory, so the experiment moves to ERROR.
func (m *Manager) record(typ journal.EventType, payload interface{}) bool {
	if err := m.recorder.Record(typ, payload); err != nil {
		m.stat.Counter(stats.ManagerJournalErrCounter).Inc(1)
		m.fail(kerrors.NewFatalError(err, kerrors.JournalFailureExitCode))
		return false
	}
	return true
}

func (m *Manager) recordTrial(t *TrialJob) {
	m.record(journal.TrialEvent, t.copy())
}

func (m *Manager) setStatus(status ExperimentStatus) {
	if m.exp.Status == status {
		return
	}
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"from":         m.exp.Status,
		"status":       status,
	}).Info("Experiment status changed")
	m.exp.Status = status
	if status.Terminal() {
		m.exp.EndTime = time.Now()
	}
	m.record(journal.StatusEvent, statusChange{
		Status:       status,
		ErrorMsg:     m.exp.ErrorMsg,
		LimitReached: m.limitReached,
	})
	if status.Terminal() {
		m.markFinished()
	}
}

// fail moves the experiment to ERROR. The journal may be what failed, so
// the status event is best effort.
func (m *Manager) fail(err error) {
	if m.exp.Status.Terminal() {
		return
	}
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"err":          err,
	}).Error("Experiment failed")
	m.exp.Status = Error
	m.exp.ErrorMsg = err.Error()
	m.failErr = err
	m.exp.EndTime = time.Now()
	if m.recorder != nil {
		m.recorder.Record(journal.StatusEvent, statusChange{Status: Error, ErrorMsg: m.exp.ErrorMsg})
	}
	m.markFinished()
}

func (m *Manager) markFinished() {
	if !m.finishedClosed {
		m.finishedClosed = true
		close(m.finished)
	}
}

// generates an id using a random uuid
func generateID() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

func (m *Manager) trialDir(id string) string {
	return filepath.Join(m.config.WorkDir, m.exp.ID, "trials", id)
}
