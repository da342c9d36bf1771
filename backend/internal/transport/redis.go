package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"roomsync/backend/internal/event"
	"roomsync/backend/internal/logging"
)

const defaultChannelPrefix = "roomsync:room:"

// Redis 通过 Pub/Sub 在多个进程之间转发信封。
// 每个订阅一个 goroutine 顺序读消息，所以同一房间内保持发布顺序；
// Publish 不等待对端处理，投递语义为至多一次。
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*Redis)(nil)

type RedisOption func(*Redis)

func WithChannelPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logging.OrDefault(l) }
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultChannelPrefix,
		logger: slog.Default(),
		subs:   make(map[*redis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel 房间对应的 Pub/Sub 频道名，形如 roomsync:room:ABCDEF
func (r *Redis) Channel(roomID string) string {
	return r.prefix + roomID
}

func (r *Redis) Publish(ctx context.Context, env event.Envelope) error {
	b, err := event.Encode(env)
	if err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.client.Publish(ctx, r.Channel(env.RoomID), b).Err()
}

func (r *Redis) Subscribe(roomID string, h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ctx := context.Background()
	ps := r.client.Subscribe(ctx, r.Channel(roomID))
	// 等订阅确认，之后发布的消息才保证能收到
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	r.subs[ps] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.loop(ctx, roomID, ps, h)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (r *Redis) loop(ctx context.Context, roomID string, ps *redis.PubSub, h Handler) {
	for msg := range ps.Channel() {
		env, err := event.Decode([]byte(msg.Payload))
		if err != nil {
			r.logger.Warn("drop malformed envelope", "room", roomID, "err", err)
			continue
		}
		if err := h(ctx, env); err != nil {
			r.logger.Warn("envelope handler failed", "room", roomID, "err", err)
		}
	}
}

// Close 关闭所有订阅并等待读循环退出，不关闭 client。不能在 Handler 里调用。
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	var errs []error
	for ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}
