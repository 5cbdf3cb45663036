package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/breaker"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/repository"
)

// CredentialStore resolves hashed keys. LookupByHash returns
// repository.ErrNotFound when no key has that hash.
type CredentialStore interface {
	LookupByHash(ctx context.Context, hash string) (*model.APIKey, *model.Partner, error)
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
}

// Principal is the authenticated (key, partner) pair.
type Principal struct {
	Key     *model.APIKey
	Partner *model.Partner
	Cached  bool
}

type Authenticator struct {
	store        CredentialStore
	cache        *KeyCache
	breaker      *breaker.Breaker
	group        singleflight.Group
	touchTimeout time.Duration
	now          func() time.Time
	log          *zap.Logger

	touches sync.WaitGroup
}

type Option func(*Authenticator)

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func WithBreaker(b *breaker.Breaker) Option {
	return func(a *Authenticator) { a.breaker = b }
}

func WithTouchTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.touchTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) { a.log = logger.OrNop(l) }
}

// NewAuthenticator wires the store and cache. The cache clock should be the
// same clock passed through WithClock.
func NewAuthenticator(store CredentialStore, cache *KeyCache, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:        store,
		cache:        cache,
		touchTimeout: 2 * time.Second,
		now:          time.Now,
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authenticate resolves an Authorization header value. Failures are
// *apierr.Error values: invalid_api_key, expired_api_key or
// service_unavailable when the store cannot answer.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Principal, error) {
	raw, err := ExtractCredential(authorization)
	if err != nil {
		metrics.AuthTotal.WithLabelValues("invalid", "none").Inc()
		if errors.Is(err, ErrMissingKey) {
			return nil, apierr.InvalidAPIKey("API key is required")
		}
		return nil, apierr.InvalidAPIKey("Invalid authorization header")
	}
	if !ValidFormat(raw) {
		metrics.AuthTotal.WithLabelValues("invalid", "none").Inc()
		return nil, apierr.InvalidAPIKey("Invalid API key format")
	}

	hash := HashKey(raw)

	if key, partner, ok := a.cache.Get(hash); ok {
		if aerr := a.check(key, partner); aerr != nil {
			a.cache.Delete(hash)
			metrics.AuthTotal.WithLabelValues(outcome(aerr), "cache").Inc()
			return nil, aerr
		}
		a.touch(key.ID)
		metrics.AuthTotal.WithLabelValues("ok", "cache").Inc()
		return &Principal{Key: key, Partner: partner, Cached: true}, nil
	}

	p, err := a.resolve(ctx, hash)
	if err != nil {
		aerr := apierr.From(err)
		metrics.AuthTotal.WithLabelValues(outcome(aerr), "store").Inc()
		return nil, aerr
	}
	a.touch(p.Key.ID)
	metrics.AuthTotal.WithLabelValues("ok", "store").Inc()
	return p, nil
}

// resolve collapses concurrent misses for one hash into a single store call.
// The winning call populates the cache before the flight ends.
func (a *Authenticator) resolve(ctx context.Context, hash string) (*Principal, error) {
	v, err, _ := a.group.Do(hash, func() (any, error) {
		key, partner, err := a.lookup(context.WithoutCancel(ctx), hash)
		if err != nil {
			return nil, err
		}
		if aerr := a.check(key, partner); aerr != nil {
			return nil, aerr
		}
		a.cache.Put(hash, key, partner)
		return &Principal{Key: key, Partner: partner}, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.(*Principal)
	k, p := *shared.Key, *shared.Partner
	return &Principal{Key: &k, Partner: &p}, nil
}

func (a *Authenticator) lookup(ctx context.Context, hash string) (*model.APIKey, *model.Partner, error) {
	var (
		key     *model.APIKey
		partner *model.Partner
	)
	call := func() error {
		var err error
		key, partner, err = a.store.LookupByHash(ctx, hash)
		return err
	}
	isFailure := func(err error) bool { return !errors.Is(err, repository.ErrNotFound) }

	var err error
	if a.breaker != nil {
		err = a.breaker.Do(call, isFailure)
	} else {
		err = call()
	}

	switch {
	case err == nil:
		return key, partner, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil, apierr.InvalidAPIKey("Invalid API key")
	case errors.Is(err, breaker.ErrOpen):
		a.log.Warn("credential store breaker open")
		return nil, nil, apierr.ServiceUnavailable("Authentication service unavailable").Wrap(err)
	default:
		a.log.Error("credential lookup failed", zap.Error(err))
		return nil, nil, apierr.ServiceUnavailable("Authentication service unavailable").Wrap(err)
	}
}

// check enforces key status, partner status and expiry at the current instant.
func (a *Authenticator) check(key *model.APIKey, partner *model.Partner) *apierr.Error {
	if key.Status != model.KeyActive {
		return apierr.InvalidAPIKey("API key is not active")
	}
	if partner == nil || !partner.Active() {
		return apierr.InvalidAPIKey("Partner account is not active")
	}
	if key.ExpiredAt(a.now()) {
		return apierr.ExpiredAPIKey()
	}
	return nil
}

// touch records last use in the background; failures are logged only.
func (a *Authenticator) touch(keyID string) {
	at := a.now()
	a.touches.Add(1)
	go func() {
		defer a.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.touchTimeout)
		defer cancel()
		if err := a.store.TouchLastUsed(ctx, keyID, at); err != nil {
			a.log.Warn("touch last_used_at failed", zap.String("key_id", keyID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight last-used touches finish.
func (a *Authenticator) Wait() { a.touches.Wait() }

func outcome(e *apierr.Error) string {
	switch e.Code {
	case apierr.CodeExpiredAPIKey:
		return "expired"
	case apierr.CodeServiceUnavailable, apierr.CodeInternal:
		return "unavailable"
	default:
		return "invalid"
	}
}
