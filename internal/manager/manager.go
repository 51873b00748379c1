// Package manager plans a distributed build, hands chunks to workers and
// watches worker liveness until every chunk has completed.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/pkg/logger"
	"yqhp/build-engine/pkg/types"
)

// State is the lifecycle state of a run.
type State string

const (
	StateIdle        State = "IDLE"
	StatePlanning    State = "PLANNING"
	StateDispatching State = "DISPATCHING"
	StateDraining    State = "DRAINING"
	StateDone        State = "DONE"
	StateAborted     State = "ABORTED"
)

// Config holds the manager settings.
type Config struct {
	// NumChunks is the number of splits requested from Prechunk.
	NumChunks int `yaml:"num_chunks" env:"BE_NUM_CHUNKS"`
	// WorkerTimeout is the silence allowed for a lone worker.
	WorkerTimeout time.Duration `yaml:"worker_timeout" env:"BE_WORKER_TIMEOUT"`
	// PollInterval bounds each receive on the transport. The queue backend
	// cannot block for less than a second, so an idle loop there runs at
	// most once per second even with a shorter interval.
	PollInterval time.Duration `yaml:"poll_interval" env:"BE_POLL_INTERVAL"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		NumChunks:     4,
		WorkerTimeout: 60 * time.Second,
		PollInterval:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumChunks < 1 {
		c.NumChunks = d.NumChunks
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

type chunkJob struct {
	types.Chunk
	payload []byte
}

// Manager drives one distributed run. Its chunk and worker bookkeeping is
// only written by the Run loop; mu guards the snapshots read by State and
// Chunks.
type Manager struct {
	cfg     Config
	builder builder.Builder
	server  transport.Server
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	chunks  []*chunkJob
	workers map[string]*types.WorkerRecord
	order   []string
}

// New creates a manager for b. Run takes ownership of both b and server
// and closes them before returning.
func New(cfg Config, b builder.Builder, server transport.Server, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		builder: b,
		server:  server,
		logger:  logger.OrNop(log).Named("manager"),
		now:     time.Now,
		state:   StateIdle,
		workers: make(map[string]*types.WorkerRecord),
	}
}

// State returns the current run state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Chunks returns a copy of the chunk table.
func (m *Manager) Chunks() []types.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Chunk, len(m.chunks))
	for i, c := range m.chunks {
		out[i] = c.Chunk
	}
	return out
}

// Workers returns a copy of the registered workers in registration order.
func (m *Manager) Workers() []types.WorkerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workerSnapshot()
}

func (m *Manager) workerSnapshot() []types.WorkerRecord {
	out := make([]types.WorkerRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.workers[id])
	}
	return out
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Info("state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Run plans the chunks and dispatches them until all have completed or a
// fatal condition aborts the run. Fatal worker conditions are returned as
// *FatalError.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := m.builder.Close(); cerr != nil {
			m.logger.Warn("close builder", zap.Error(cerr))
		}
		if cerr := m.server.Close(); cerr != nil {
			m.logger.Warn("close transport", zap.Error(cerr))
		}
	}()

	m.setState(StatePlanning)
	if err := m.plan(ctx); err != nil {
		m.setState(StateAborted)
		return err
	}

	if err := m.dispatch(ctx); err != nil {
		m.abort(err)
		return err
	}

	// every chunk's writes are in; orphans can be judged against the full source
	if err := m.builder.Finalize(ctx); err != nil {
		m.setState(StateAborted)
		return fmt.Errorf("finalize: %w", err)
	}
	m.setState(StateDone)
	m.logger.Info("run complete", zap.Int("chunks", len(m.chunks)))
	return nil
}

func (m *Manager) plan(ctx context.Context) error {
	if err := m.builder.Connect(ctx); err != nil {
		return fmt.Errorf("connect builder: %w", err)
	}
	overlays, err := m.builder.Prechunk(ctx, m.cfg.NumChunks)
	if errors.Is(err, builder.ErrPrechunkUnsupported) {
		return &FatalError{Reason: ReasonPrechunkUnsupported, Message: err.Error()}
	}
	if err != nil {
		return fmt.Errorf("prechunk: %w", err)
	}

	cfg := m.builder.Config()
	chunks := make([]*chunkJob, 0, len(overlays))
	for i, overlay := range overlays {
		payload, err := cfg.WithOverlay(overlay).Encode()
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
		chunks = append(chunks, &chunkJob{
			Chunk:   types.Chunk{WorkIndex: i, Overlay: overlay},
			payload: payload,
		})
	}

	m.mu.Lock()
	m.chunks = chunks
	m.mu.Unlock()
	m.logger.Info("planned chunks", zap.Int("requested", m.cfg.NumChunks), zap.Int("chunks", len(chunks)))
	return nil
}

func (m *Manager) dispatch(ctx context.Context) error {
	for {
		if m.allCompleted() {
			m.releaseAll(ctx)
			return nil
		}
		if m.allDistributed() {
			m.setState(StateDraining)
		} else {
			m.setState(StateDispatching)
		}

		msg, err := m.server.Receive(ctx, m.cfg.PollInterval)
		switch {
		case err == nil:
			if err := m.handle(ctx, msg); err != nil {
				return err
			}
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrMalformedFrame):
			m.logger.Warn("dropping malformed frame", zap.Error(err))
		default:
			return fmt.Errorf("receive: %w", err)
		}

		if fatal := Detect(m.workerSnapshot(), m.now(), m.cfg.WorkerTimeout); fatal != nil {
			return fatal
		}
		if err := m.assign(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg transport.Message) error {
	w, known := m.workers[msg.Identity]
	if known {
		m.mu.Lock()
		w.LastPing = m.now()
		m.mu.Unlock()
	}

	switch msg.Kind {
	case transport.KindReady:
		if !known {
			m.register(msg.Identity, msg.Body)
		} else {
			// a completion is proof of life too
			m.mu.Lock()
			w.Heartbeats++
			m.mu.Unlock()
			if w.Working {
				m.complete(w)
			}
		}
		if m.allDistributed() {
			m.release(ctx, msg.Identity)
		}
	case transport.KindPing:
		if !known {
			m.logger.Warn("ping from unknown worker", zap.String("identity", msg.Identity))
			return nil
		}
		m.mu.Lock()
		w.Heartbeats++
		m.mu.Unlock()
	case transport.KindError:
		return &FatalError{Reason: ReasonReportedError, Identity: msg.Identity, Message: msg.Body}
	default:
		m.logger.Warn("unexpected message from worker",
			zap.String("identity", msg.Identity), zap.String("kind", string(msg.Kind)))
	}
	return nil
}

func (m *Manager) register(identity, hostname string) {
	m.mu.Lock()
	m.workers[identity] = &types.WorkerRecord{
		Identity:   identity,
		Hostname:   hostname,
		Heartbeats: 1,
		LastPing:   m.now(),
		WorkIndex:  -1,
	}
	m.order = append(m.order, identity)
	m.mu.Unlock()
	m.logger.Info("worker registered", zap.String("identity", identity), zap.String("hostname", hostname))
}

func (m *Manager) complete(w *types.WorkerRecord) {
	m.mu.Lock()
	c := m.chunks[w.WorkIndex]
	c.Completed = true
	w.Working = false
	w.WorkIndex = -1
	m.mu.Unlock()
	m.logger.Info("chunk completed", zap.Int("work_index", c.WorkIndex), zap.String("identity", w.Identity))
}

// release sends EXIT to a worker and forgets it.
func (m *Manager) release(ctx context.Context, identity string) {
	if err := m.server.Send(ctx, identity, transport.Exit()); err != nil {
		m.logger.Warn("send exit", zap.String("identity", identity), zap.Error(err))
	}
	m.deregister(identity)
}

func (m *Manager) releaseAll(ctx context.Context) {
	for _, id := range m.registered() {
		m.release(ctx, id)
	}
}

func (m *Manager) deregister(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, identity)
	for i, id := range m.order {
		if id == identity {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) registered() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) assign(ctx context.Context) error {
	for _, c := range m.chunks {
		if c.Distributed {
			continue
		}
		w := m.idleWorker()
		if w == nil {
			return nil
		}
		if err := m.server.Send(ctx, w.Identity, transport.Work(c.payload)); err != nil {
			return &FatalError{Reason: ReasonUnreachable, Identity: w.Identity, Message: err.Error()}
		}
		m.mu.Lock()
		c.Distributed = true
		w.Working = true
		w.WorkIndex = c.WorkIndex
		m.mu.Unlock()
		m.logger.Info("chunk dispatched", zap.Int("work_index", c.WorkIndex), zap.String("identity", w.Identity))
	}
	return nil
}

func (m *Manager) idleWorker() *types.WorkerRecord {
	for _, id := range m.order {
		if w := m.workers[id]; !w.Working {
			return w
		}
	}
	return nil
}

func (m *Manager) allDistributed() bool {
	for _, c := range m.chunks {
		if !c.Distributed {
			return false
		}
	}
	return true
}

func (m *Manager) allCompleted() bool {
	for _, c := range m.chunks {
		if !c.Completed {
			return false
		}
	}
	return true
}

// abort tells every registered worker to exit. The caller's context may
// already be done, so delivery gets its own deadline.
func (m *Manager) abort(cause error) {
	m.setState(StateAborted)
	m.logger.Error("run aborted", zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Broadcast(ctx, m.registered(), transport.Exit()); err != nil {
		m.logger.Warn("broadcast exit", zap.Error(err))
	}
	m.mu.Lock()
	m.workers = make(map[string]*types.WorkerRecord)
	m.order = nil
	m.mu.Unlock()
}
