package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/kafka"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/service/keys"
)

// CacheInvalidator is satisfied by auth.KeyCache.
type CacheInvalidator = keys.CacheEvictor

// KeyEventListener runs inside every gateway instance and drops revoked or
// rotated credentials from the local key cache before their TTL runs out.
type KeyEventListener struct {
	Source Source
	Cache  CacheInvalidator
	Log    *zap.Logger
}

func NewKeyEventListener(src Source, cache CacheInvalidator, log *zap.Logger) *KeyEventListener {
	return &KeyEventListener{Source: src, Cache: cache, Log: logger.OrNop(log)}
}

func (l *KeyEventListener) Run(ctx context.Context) error {
	l.Log = logger.OrNop(l.Log)
	msgCh := make(chan kafka.Message, 64)
	go fetchLoop(ctx, l.Source, msgCh, l.Log.With(zap.String("worker", "key_events")))

	for m := range msgCh {
		l.Handle(m)
		if err := l.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			l.Log.Warn("key event commit failed", zap.Error(err))
		}
	}
	return nil
}

// Handle applies one event. Undecodable messages are skipped.
func (l *KeyEventListener) Handle(m kafka.Message) {
	var ev keys.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		l.Log.Warn("bad key event", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	switch ev.Type {
	case keys.EventRevoked, keys.EventRotated:
		if ev.KeyHash == "" {
			return
		}
		l.Cache.Delete(ev.KeyHash)
		l.Log.Info("key evicted from cache",
			zap.String("event", string(ev.Type)),
			zap.String("key_id", ev.KeyID),
			zap.String("partner_id", ev.PartnerID),
		)
	}
}
