package natstore

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis mirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a mirrored entry survives a crashed instance.
	TTL time.Duration
}

// Redis stores every mapping as a hash <prefix>:nat:<instance>:<client> and
// tracks the keys in the set <prefix>:nat:index. Instances sharing a prefix
// never touch each other's hashes.
type Redis struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	instanceID string
}

var _ Recorder = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", opts.Addr)
	}
	return newRedis(rdb, opts), nil
}

func newRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "natrelay"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	host, _ := os.Hostname()
	return &Redis{
		client:     rdb,
		prefix:     prefix,
		ttl:        ttl,
		instanceID: fmt.Sprintf("%s-%d", host, time.Now().UnixNano()),
	}
}

func (r *Redis) key(client nat.Endpoint) string {
	return r.prefix + ":nat:" + r.instanceID + ":" + client.String()
}

func (r *Redis) indexKey() string { return r.prefix + ":nat:index" }

func (r *Redis) Record(ctx context.Context, m nat.Mapping) error {
	key := r.key(m.Client)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"client", m.Client.String(),
		"upstream_local", m.UpstreamLocal.String(),
		"created", m.Created.UTC().Format(time.RFC3339Nano),
		"instance", r.instanceID,
	)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis record %s", key)
	}
	return nil
}

func (r *Redis) Forget(ctx context.Context, m nat.Mapping) error {
	key := r.key(m.Client)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis forget %s", key)
	}
	return nil
}

// Mappings lists mirrored entries from every instance. Index members whose
// hash already expired are pruned.
func (r *Redis) Mappings(ctx context.Context) ([]nat.Mapping, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis index")
	}
	out := make([]nat.Mapping, 0, len(keys))
	for _, key := range keys {
		vals, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "redis get %s", key)
		}
		if len(vals) == 0 {
			if err := r.client.SRem(ctx, r.indexKey(), key).Err(); err != nil {
				obs.Error("natstore.prune", obs.Fields{"err": err.Error(), "key": key})
			}
			continue
		}
		m, err := parseMapping(vals)
		if err != nil {
			obs.Error("natstore.parse", obs.Fields{"err": err.Error(), "key": key})
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func parseMapping(vals map[string]string) (nat.Mapping, error) {
	client, err := netip.ParseAddrPort(vals["client"])
	if err != nil {
		return nat.Mapping{}, errors.Wrap(err, "client")
	}
	upstream, err := netip.ParseAddrPort(vals["upstream_local"])
	if err != nil {
		return nat.Mapping{}, errors.Wrap(err, "upstream_local")
	}
	created, err := time.Parse(time.RFC3339Nano, vals["created"])
	if err != nil {
		return nat.Mapping{}, errors.Wrap(err, "created")
	}
	return nat.Mapping{
		Client:        nat.Endpoint{Addr: client.Addr(), Port: client.Port()},
		UpstreamLocal: nat.Endpoint{Addr: upstream.Addr(), Port: upstream.Port()},
		Created:       created,
	}, nil
}

func (r *Redis) Close() error { return r.client.Close() }
