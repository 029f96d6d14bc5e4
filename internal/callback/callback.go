// Package callback manages the externally addressable registrations that
// resume suspended nodes: signal callbacks (human approval, webhooks) and timers.
package callback

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/token"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultTTL bounds how long a signal registration accepts signals when the
// node does not say otherwise.
const DefaultTTL = 7 * 24 * time.Hour

// Config describes one registration.
type Config struct {
	Kind        schema.CallbackKind
	CallbackURL string
	SignalType  schema.SignalType
	// TTL is the lifetime of a SIGNAL registration; zero uses the service default.
	TTL time.Duration
	// FireAt is required for TIMER registrations.
	FireAt *time.Time
}

// Service registers, resolves and consumes callbacks.
type Service struct {
	store      store.CallbackStore
	tokens     *token.Service
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a callback service. defaultTTL <= 0 uses DefaultTTL;
// logger may be nil.
func NewService(cs store.CallbackStore, tokens *token.Service, defaultTTL time.Duration, logger *slog.Logger) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      cs,
		tokens:     tokens,
		defaultTTL: defaultTTL,
		logger:     logger.With(slog.String("component", "callbacks")),
		now:        time.Now,
	}
}

// Register persists a registration for a suspended node and returns it with
// the token to hand out. Timers never expire; they are consumed when fired.
func (s *Service) Register(ctx context.Context, runID, tenantID, nodeID string, cfg Config) (*schema.CallbackRegistration, string, error) {
	for name, v := range map[string]string{"run id": runID, "tenant id": tenantID, "node id": nodeID} {
		if strings.TrimSpace(v) == "" {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "callback %s is required", name)
		}
	}

	now := s.now().UTC()
	reg := &schema.CallbackRegistration{
		ID:          uuid.NewString(),
		RunID:       runID,
		TenantID:    tenantID,
		NodeID:      nodeID,
		Kind:        cfg.Kind,
		CallbackURL: cfg.CallbackURL,
		SignalType:  cfg.SignalType,
		CreatedAt:   now,
	}

	switch cfg.Kind {
	case schema.CallbackTimer:
		if cfg.FireAt == nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "timer callback needs a fire time").WithNode(nodeID)
		}
		at := cfg.FireAt.UTC()
		reg.FireAt = &at
	case schema.CallbackSignal, "":
		reg.Kind = schema.CallbackSignal
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = s.defaultTTL
		}
		reg.ExpiresAt = now.Add(ttl)
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown callback kind %q", cfg.Kind).WithNode(nodeID)
	}

	tok, err := s.tokens.MintCallback(reg)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.SaveCallback(ctx, reg); err != nil {
		return nil, "", err
	}

	s.logger.Debug("callback registered",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("callback_id", reg.ID),
		slog.String("kind", string(reg.Kind)))
	return reg, tok, nil
}

// Token re-issues the token for an existing registration.
func (s *Service) Token(reg *schema.CallbackRegistration) (string, error) {
	return s.tokens.MintCallback(reg)
}

// Resolve verifies the token and returns its live registration. Any failure
// (bad signature, unknown, expired or consumed registration, claims not
// matching the registration) is TOKEN_INVALID.
func (s *Service) Resolve(ctx context.Context, tok string) (*schema.CallbackRegistration, error) {
	claims, err := s.tokens.VerifyCallback(tok)
	if err != nil {
		return nil, err
	}
	// An unknown registration is already TOKEN_INVALID.
	reg, err := s.store.GetCallback(ctx, claims.RegistrationID)
	if err != nil {
		return nil, err
	}
	if reg.RunID != claims.RunID || reg.NodeID != claims.NodeID {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "callback token does not match its registration")
	}
	if reg.Consumed() {
		return nil, schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback %s already consumed", reg.ID)
	}
	if reg.Expired(s.now()) {
		return nil, schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback %s has expired", reg.ID)
	}
	return reg, nil
}

// Verify reports whether the token resolves to a live registration.
func (s *Service) Verify(ctx context.Context, tok string) bool {
	_, err := s.Resolve(ctx, tok)
	return err == nil
}

// Get returns a registration by ID.
func (s *Service) Get(ctx context.Context, id string) (*schema.CallbackRegistration, error) {
	return s.store.GetCallback(ctx, id)
}

// Consume marks a registration used outside of a run mutation.
func (s *Service) Consume(ctx context.Context, id string) error {
	return s.store.ConsumeCallback(ctx, id)
}

// Due returns unconsumed timers whose fire time has passed.
func (s *Service) Due(ctx context.Context, now time.Time) ([]*schema.CallbackRegistration, error) {
	return s.store.ListCallbacks(ctx, store.CallbackQuery{
		Kind:       schema.CallbackTimer,
		DueBefore:  &now,
		Unconsumed: true,
	})
}

// Expired returns unconsumed signal registrations past their expiry.
func (s *Service) Expired(ctx context.Context, now time.Time) ([]*schema.CallbackRegistration, error) {
	return s.store.ListCallbacks(ctx, store.CallbackQuery{
		Kind:          schema.CallbackSignal,
		ExpiredBefore: &now,
		Unconsumed:    true,
	})
}

// ForRun lists a run's unconsumed registrations.
func (s *Service) ForRun(ctx context.Context, runID string) ([]*schema.CallbackRegistration, error) {
	return s.store.ListCallbacks(ctx, store.CallbackQuery{RunID: runID, Unconsumed: true})
}
