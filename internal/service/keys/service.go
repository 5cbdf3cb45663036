package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/partner-gateway/internal/auth"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/util"
)

const DefaultEventsTopic = "partner.key_events"

const aggregateKey = "api_key"

var (
	ErrPartnerInactive  = errors.New("partner is not active")
	ErrKeyLimitReached  = errors.New("partner key limit reached")
	ErrKeyRevoked       = errors.New("key already revoked")
	ErrInvalidRequest   = errors.New("invalid key request")
	ErrPermissionDenied = errors.New("cannot grant permissions the caller does not hold")
)

type EventType string

const (
	EventIssued  EventType = "key.issued"
	EventRevoked EventType = "key.revoked"
	EventRotated EventType = "key.rotated"
)

// Event is the outbox payload for key lifecycle changes. KeyHash lets
// gateway instances evict the credential from their key cache.
type Event struct {
	Type       EventType `json:"type"`
	KeyID      string    `json:"key_id"`
	PartnerID  string    `json:"partner_id"`
	KeyHash    string    `json:"key_hash"`
	ReplacedBy string    `json:"replaced_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CacheEvictor drops a credential from a key cache by hash. auth.KeyCache
// satisfies it.
type CacheEvictor interface {
	Delete(hash string)
}

var _ CacheEvictor = (*auth.KeyCache)(nil)

type IssueRequest struct {
	Name        string
	Env         model.KeyEnv
	Permissions []string
	ExpiresAt   *time.Time
	RateLimits  model.RateLimitOverrides

	// Grantor, when set, bounds Permissions to what the caller holds.
	Grantor model.Permissions
}

// Issued carries the raw secret; it is returned once and never stored.
type Issued struct {
	Key    model.APIKey `json:"key"`
	Secret string       `json:"secret"`
}

// Service issues, rotates and revokes keys. Each change and its outbox event
// commit in one transaction.
type Service struct {
	db       *sqlx.DB
	partners repository.PartnersRepository
	keys     repository.APIKeysRepository
	outbox   repository.OutboxRepository
	topic    string
	cache    CacheEvictor
	now      func() time.Time
}

type Option func(*Service)

// WithCache evicts revoked and rotated keys from this process's cache as
// soon as the change commits. Other instances learn of it from the outbox
// event.
func WithCache(c CacheEvictor) Option { return func(s *Service) { s.cache = c } }

func New(
	db *sqlx.DB,
	partnersRepo repository.PartnersRepository,
	keysRepo repository.APIKeysRepository,
	outboxRepo repository.OutboxRepository,
	topic string,
	opts ...Option,
) *Service {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	s := &Service{
		db:       db,
		partners: partnersRepo,
		keys:     keysRepo,
		outbox:   outboxRepo,
		topic:    topic,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) List(ctx context.Context, partnerID string) ([]model.APIKey, error) {
	return s.keys.ListByPartner(ctx, partnerID)
}

// Issue creates a key for partnerID. The partner row is locked so concurrent
// issuance cannot exceed the partner's max_keys.
func (s *Service) Issue(ctx context.Context, partnerID string, req IssueRequest) (*Issued, error) {
	perms, err := s.permissions(req)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > 100 {
		return nil, fmt.Errorf("%w: name must be 1-100 characters", ErrInvalidRequest)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidRequest)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.partners.GetForUpdate(ctx, tx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("load partner: %w", err)
	}
	if !p.Active() {
		return nil, ErrPartnerInactive
	}
	if max := p.UsageLimits.V.MaxKeys; max > 0 {
		n, err := s.keys.CountActive(ctx, tx, partnerID)
		if err != nil {
			return nil, fmt.Errorf("count keys: %w", err)
		}
		if n >= max {
			return nil, ErrKeyLimitReached
		}
	}

	issued, err := s.mint(partnerID, name, req.Env, perms, req.ExpiresAt, req.RateLimits)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Insert(ctx, tx, issued.Key); err != nil {
		return nil, fmt.Errorf("insert key: %w", err)
	}
	if err := s.emit(ctx, tx, Event{Type: EventIssued, KeyID: issued.Key.ID, PartnerID: partnerID, KeyHash: issued.Key.KeyHash}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return issued, nil
}

// Revoke is idempotent: revoking a revoked key succeeds without a new event.
func (s *Service) Revoke(ctx context.Context, partnerID, keyID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	k, err := s.keys.GetForUpdate(ctx, tx, partnerID, keyID)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	if k.Status == model.KeyRevoked {
		s.evict(k.KeyHash)
		return nil
	}
	if err := s.keys.Revoke(ctx, tx, keyID); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if err := s.emit(ctx, tx, Event{Type: EventRevoked, KeyID: keyID, PartnerID: partnerID, KeyHash: k.KeyHash}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.evict(k.KeyHash)
	return nil
}

// Rotate replaces keyID with a fresh secret carrying the same name,
// permissions, expiry and limits, and revokes the old key.
func (s *Service) Rotate(ctx context.Context, partnerID, keyID string) (*Issued, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := s.keys.GetForUpdate(ctx, tx, partnerID, keyID)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if old.Status == model.KeyRevoked {
		return nil, ErrKeyRevoked
	}

	env := model.KeyEnvTest
	if strings.HasPrefix(old.Prefix, "pk_live_") {
		env = model.KeyEnvLive
	}
	issued, err := s.mint(partnerID, old.Name, env, old.Permissions.Clone(), old.ExpiresAt, old.RateLimits.V)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Insert(ctx, tx, issued.Key); err != nil {
		return nil, fmt.Errorf("insert key: %w", err)
	}
	if err := s.keys.Revoke(ctx, tx, keyID); err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	if err := s.emit(ctx, tx, Event{
		Type:       EventRotated,
		KeyID:      keyID,
		PartnerID:  partnerID,
		KeyHash:    old.KeyHash,
		ReplacedBy: issued.Key.ID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.evict(old.KeyHash)
	return issued, nil
}

func (s *Service) evict(hash string) {
	if s.cache != nil && hash != "" {
		s.cache.Delete(hash)
	}
}

func (s *Service) permissions(req IssueRequest) (model.Permissions, error) {
	if len(req.Permissions) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidRequest)
	}
	perms := model.Permissions{}
	for _, p := range req.Permissions {
		if err := perms.Grant(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if req.Grantor != nil {
		if missing := req.Grantor.Missing(req.Permissions); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, strings.Join(missing, ", "))
		}
	}
	return perms, nil
}

func (s *Service) mint(partnerID, name string, env model.KeyEnv, perms model.Permissions, expires *time.Time, limits model.RateLimitOverrides) (*Issued, error) {
	if env == "" {
		env = model.KeyEnvTest
	}
	raw, err := auth.GenerateKey(env)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &Issued{
		Secret: raw,
		Key: model.APIKey{
			ID:          util.Prefixed("key"),
			PartnerID:   partnerID,
			Name:        name,
			Prefix:      auth.DisplayPrefix(raw),
			KeyHash:     auth.HashKey(raw),
			Status:      model.KeyActive,
			ExpiresAt:   expires,
			Permissions: perms,
			RateLimits:  model.NewJSONColumn(limits),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}, nil
}

func (s *Service) emit(ctx context.Context, tx *sqlx.Tx, ev Event) error {
	ev.OccurredAt = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := s.outbox.Insert(ctx, tx, aggregateKey, ev.KeyID, s.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
