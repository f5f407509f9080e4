package remoteengine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

// L0 is an optional process-local freecache lookaside in front of the
// remote engine, grounded on dcache's Client.inMemCache: a freecache handle
// updated on every local write and invalidated across processes via a Redis
// pubsub broadcast carrying the publishing instance's id, so a process never
// invalidates its own cache from its own write.
//
// Unlike the teacher, invalidation publishes are sent synchronously and
// unbatched (dcache aggregates into at most one publish per second per
// maxInvalidate keys); this engine favors simplicity over publish-volume
// optimization since spec.md does not require a particular invalidation
// latency bound. Not wired for ModeReplica, whose manually-routed
// connections don't share one client to subscribe through.
const (
	l0InvalidateTopic = "cachekit:l0:invalidate"
	l0Delimiter       = "|"
	l0ClearAll        = "*"

	// l0BackfillTTL caps how long a value read straight from Redis (without
	// its own TTL round trip) is allowed to sit in L0 before falling back to
	// Redis again.
	l0BackfillTTL = 30 * time.Second
)

type l0Cache struct {
	cache  *freecache.Cache
	id     string
	client redis.UniversalClient
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newL0Cache(client redis.UniversalClient, sizeBytes int) *l0Cache {
	ctx, cancel := context.WithCancel(context.Background())
	l := &l0Cache{
		cache:  freecache.NewCache(sizeBytes),
		id:     uuid.NewV4().String(),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	l.pubsub = client.Subscribe(ctx, l0InvalidateTopic)
	l.wg.Add(1)
	go l.listen()
	return l
}

func (l *l0Cache) get(key string) ([]byte, bool) {
	v, err := l.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return v, true
}

// set populates the local cache and, if the value changed, broadcasts
// invalidation so sibling processes drop their own copy rather than serve a
// stale value (mirrors updateMemoryCache's compare-then-broadcast). A value
// with no TTL is not cached locally: any local copy is dropped and the drop
// is broadcast.
func (l *l0Cache) set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		l.del(key)
		return
	}
	if prev, err := l.cache.Get([]byte(key)); err == nil && string(prev) != string(value) {
		l.broadcast(key)
	}
	if err := l.cache.Set([]byte(key), value, int(ttl.Seconds())); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("remoteengine: l0: set failed")
	}
}

func (l *l0Cache) del(key string) {
	existed := l.cache.Del([]byte(key))
	if existed {
		l.broadcast(key)
	}
}

func (l *l0Cache) clear() {
	l.cache.Clear()
	l.publish(l.id + l0Delimiter + l0ClearAll)
}

func (l *l0Cache) broadcast(key string) {
	l.publish(l.id + l0Delimiter + key)
}

func (l *l0Cache) publish(msg string) {
	if err := l.client.Publish(l.ctx, l0InvalidateTopic, msg).Err(); err != nil {
		log.Warn().Err(err).Msg("remoteengine: l0: publish invalidate failed")
	}
}

func (l *l0Cache) listen() {
	defer l.wg.Done()
	ch := l.pubsub.Channel()
	for msg := range ch {
		parts := strings.SplitN(msg.Payload, l0Delimiter, 2)
		if len(parts) != 2 || parts[0] == l.id {
			continue
		}
		if parts[1] == l0ClearAll {
			l.cache.Clear()
			continue
		}
		l.cache.Del([]byte(parts[1]))
	}
}

func (l *l0Cache) close() {
	_ = l.pubsub.Unsubscribe(l.ctx)
	_ = l.pubsub.Close()
	l.cancel()
	l.wg.Wait()
}
