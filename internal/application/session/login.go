package session

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN
// The backend is chosen once per session: guests run on the local backend,
// everyone else on the durable one.
// ══════════════════════════════════════════════════════════════════════════════

// GuestHintPrefix marks identity hints the UI sends for anonymous users.
const GuestHintPrefix = "GuestUser"

// DefaultGuestName is shown when a guest has no display name.
const DefaultGuestName = "Guest"

// LoginRequest carries what the identity provider handed to the UI.
type LoginRequest struct {
	// IdentityHint is the durable account id, or empty/GuestUser* for guests.
	IdentityHint string `json:"identity_hint" validate:"max=128"`

	DisplayName string `json:"display_name" validate:"max=64"`

	// GuestResumeID resumes a guest record kept on this device.
	GuestResumeID string `json:"guest_resume_id" validate:"omitempty,max=128"`
}

// IsGuest reports whether the request asks for a guest session.
func (r LoginRequest) IsGuest() bool {
	hint := strings.TrimSpace(r.IdentityHint)
	return hint == "" || strings.HasPrefix(hint, GuestHintPrefix)
}

// Manager creates sessions and registers them.
type Manager struct {
	rules       *progression.Rules
	durable     *Store
	local       *Store
	clock       progression.Clock
	events      shared.EventPublisher
	checkpoints progression.CheckpointStore
	registry    *Registry
	guests      bool
	base        *logger.Logger
	log         *logger.Logger
}

// ManagerConfig wires a Manager. Durable may be nil: then every login runs
// in guest mode.
type ManagerConfig struct {
	Rules       *progression.Rules
	Durable     *Store
	Local       *Store
	Clock       progression.Clock
	Events      shared.EventPublisher
	Checkpoints progression.CheckpointStore
	Registry    *Registry

	// GuestMode allows guest sessions.
	GuestMode bool

	Logger *logger.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Rules == nil {
		cfg.Rules = progression.DefaultRules()
	}
	if cfg.Clock == nil {
		cfg.Clock = progression.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(DefaultIdleTimeout, cfg.Logger)
	}
	return &Manager{
		rules:       cfg.Rules,
		durable:     cfg.Durable,
		local:       cfg.Local,
		clock:       cfg.Clock,
		events:      cfg.Events,
		checkpoints: cfg.Checkpoints,
		registry:    cfg.Registry,
		guests:      cfg.GuestMode,
		base:        cfg.Logger,
		log:         cfg.Logger.Named("login"),
	}
}

// Rules returns the engine rules.
func (m *Manager) Rules() *progression.Rules { return m.rules }

// Registry returns the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Login binds an identity to a new session.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	if req.IsGuest() {
		return m.loginGuest(ctx, req)
	}
	if m.durable == nil {
		m.log.Warn("durable backend not configured, continuing as guest")
		return m.loginGuest(ctx, req)
	}

	id, err := shared.NewUserID(req.IdentityHint)
	if err != nil {
		return nil, err
	}

	p, err := m.durable.Load(ctx, id)
	switch {
	case shared.IsNotFound(err):
		p = progression.NewUserProgress(id, req.DisplayName, false, m.clock.Now(), m.rules)
		if err := m.durable.Create(ctx, p); err != nil {
			return nil, shared.WrapError("session", "Login", shared.ErrPersistence, "create progress record", err)
		}
		m.log.Info("progress record created", logger.UserID(id.String()))
	case err != nil:
		if shared.IsPermission(err) {
			return nil, err
		}
		return nil, shared.WrapError("session", "Login", shared.ErrPersistence, "load progress record", err)
	}

	if req.DisplayName != "" {
		p.DisplayName = req.DisplayName
	}
	return m.start(p, m.durable), nil
}

func (m *Manager) loginGuest(ctx context.Context, req LoginRequest) (*Session, error) {
	if !m.guests || m.local == nil {
		return nil, shared.NewDomainError("session", "Login", shared.ErrPermission, "guest mode is disabled")
	}

	if resume := shared.UserID(strings.TrimSpace(req.GuestResumeID)); resume.IsGuest() {
		p, err := m.local.Load(ctx, resume)
		if err == nil {
			m.log.Info("guest resumed", logger.UserID(resume.String()))
			return m.start(p, m.local), nil
		}
		if !shared.IsNotFound(err) {
			m.log.Warn("guest resume failed", logger.UserID(resume.String()), logger.Err(err))
		}
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = DefaultGuestName
	}
	id := shared.UserID(shared.GuestIDPrefix + uuid.NewString())
	p := progression.NewUserProgress(id, name, true, m.clock.Now(), m.rules)
	if err := m.local.Create(ctx, p); err != nil {
		return nil, err
	}
	m.log.Info("guest session started", logger.UserID(id.String()))
	return m.start(p, m.local), nil
}

func (m *Manager) start(p *progression.UserProgress, store *Store) *Session {
	if p.Modules == nil {
		p.Modules = m.rules.Modules.InitialProgress()
	}
	if p.Achievements == nil {
		p.Achievements = m.rules.Achievements.InitialStates()
	}
	// Catalog additions may already be earned by existing progress.
	m.rules.Achievements.Reconcile(p.Achievements, p.Stats(), m.clock.Now())

	s := newSession(p, sessionDeps{
		store:       store,
		rules:       m.rules,
		clock:       m.clock,
		events:      m.events,
		checkpoints: m.checkpoints,
		log:         m.base,
	})
	m.registry.Add(s)
	return s
}

// Logout closes and unregisters a session.
func (m *Manager) Logout(sessionID string) error {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	s.Logout()
	m.registry.Remove(sessionID)
	return nil
}
