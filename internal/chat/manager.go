package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"navyk-backend/internal/ratelimit"
)

const DefaultIdleTTL = 30 * time.Minute

// ManagerOptions configures the collaborators shared by every pipeline a
// Manager creates. Per-user collaborators are built by the factory funcs.
type ManagerOptions struct {
	Store       SessionStore
	HTTP        Doer
	Limiter     *ratelimit.Window
	Credentials func(userID uuid.UUID) CredentialProvider
	Notifier    func(userID uuid.UUID) Notifier
	Observer    func(userID uuid.UUID) Observer
	Logger      *zap.Logger
	IdleTTL     time.Duration
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Manager owns one Pipeline per (user, coach) pair. All pipelines of a user
// share one admission window.
type Manager struct {
	cfg  Config
	opts ManagerOptions
	log  *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	closed    bool

	loads singleflight.Group
}

func NewManager(cfg Config, opts ManagerOptions) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		opts:      opts,
		log:       opts.Logger.Named("chat"),
		pipelines: make(map[string]*Pipeline),
	}
}

func pipelineKey(userID uuid.UUID, coachID string) string {
	return userID.String() + ":" + coachID
}

// Get returns the pipeline for (userID, coachID), creating it and loading
// its latest session on first use. The load runs outside the registry lock;
// concurrent first calls for the same pair share one load.
func (m *Manager) Get(ctx context.Context, userID uuid.UUID, coachID string) (*Pipeline, error) {
	key := pipelineKey(userID, coachID)

	if p, ok, err := m.existing(key); ok || err != nil {
		return p, err
	}

	v, err, _ := m.loads.Do(key, func() (interface{}, error) {
		if p, ok, err := m.existing(key); ok || err != nil {
			return p, err
		}

		p := m.newPipeline(userID, coachID)
		p.Load(context.WithoutCancel(ctx))

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			p.Close()
			return nil, ErrClosed
		}
		m.pipelines[key] = p
		m.mu.Unlock()

		m.log.Debug("chat pipeline created", zap.String("user_id", userID.String()), zap.String("coach_id", coachID))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pipeline), nil
}

func (m *Manager) existing(key string) (*Pipeline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	p, ok := m.pipelines[key]
	return p, ok, nil
}

func (m *Manager) newPipeline(userID uuid.UUID, coachID string) *Pipeline {
	opts := Options{
		UserID:     userID,
		CoachID:    coachID,
		Store:      m.opts.Store,
		HTTP:       m.opts.HTTP,
		Limiter:    m.opts.Limiter,
		LimiterKey: userID.String(),
		Logger:     m.log,
		Now:        m.opts.Now,
		Sleep:      m.opts.Sleep,
	}
	if m.opts.Credentials != nil {
		opts.Credentials = m.opts.Credentials(userID)
	}
	if m.opts.Notifier != nil {
		opts.Notifier = m.opts.Notifier(userID)
	}
	if m.opts.Observer != nil {
		opts.Observer = m.opts.Observer(userID)
	}
	return NewPipeline(m.cfg, opts)
}

// Lookup returns an existing pipeline without creating one.
func (m *Manager) Lookup(userID uuid.UUID, coachID string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[pipelineKey(userID, coachID)]
	return p, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}

// Evict closes pipelines that have been idle for at least IdleTTL and drops
// expired admission keys. It returns the number of pipelines removed.
func (m *Manager) Evict() int {
	now := m.opts.Now()

	m.mu.Lock()
	var stale []*Pipeline
	for key, p := range m.pipelines {
		since, idle := p.IdleSince()
		if idle && now.Sub(since) >= m.opts.IdleTTL {
			stale = append(stale, p)
			delete(m.pipelines, key)
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		p.Close()
	}
	if m.opts.Limiter != nil {
		m.opts.Limiter.Sweep()
	}
	if len(stale) > 0 {
		m.log.Info("evicted idle chat pipelines", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run evicts idle pipelines periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Evict()
		}
	}
}

// Close tears down every pipeline. Further Get calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pipelines {
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	_ = g.Wait()
}
