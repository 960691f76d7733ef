package jobstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"omotes/internal/apperrors"
	"omotes/pkg/job"
)

var _ Store = (*Redis)(nil)

// DefaultKeyPrefix namespaces every key written by the Redis store.
const DefaultKeyPrefix = "omotes:"

// RedisOption configures the Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key namespace, so several clients can share a server.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// Redis stores each job as a Hash, with a Set indexing all job ids. The full
// record lives in the "data" field as MessagePack; the other fields are kept
// for inspection with redis-cli.
type Redis struct {
	client goredis.Cmdable
	prefix string
	logger *slog.Logger
}

// NewRedis creates a Redis-backed store. The caller owns the client lifecycle.
func NewRedis(client goredis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "jobstore.redis")
	return r
}

// Ping verifies the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// jobKey returns the key for a job entity: <prefix>job:{id}
func (r *Redis) jobKey(id string) string { return r.prefix + "job:" + id }

// jobIDsKey is the Set tracking all job ids for enumeration.
func (r *Redis) jobIDsKey() string { return r.prefix + "job_ids" }

func (r *Redis) Create(ctx context.Context, j *job.Job) error {
	key := r.jobKey(j.ID)
	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	// Reserve the id first so two creators cannot both succeed.
	created, err := r.client.HSetNX(ctx, key, "id", j.ID).Result()
	if err != nil {
		return apperrors.Internal("jobstore/redis: create reserve", err)
	}
	if !created {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, r.jobIDsKey(), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("jobstore/redis: create job", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.client.HGet(ctx, r.jobKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("jobstore/redis: get job", err)
	}
	return unmarshalJob(data)
}

func (r *Redis) Update(ctx context.Context, j *job.Job) error {
	key := r.jobKey(j.ID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return apperrors.Internal("jobstore/redis: update exists", err)
	}
	if exists == 0 {
		return apperrors.NotFound("job", j.ID)
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return apperrors.Internal("jobstore/redis: update job", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.jobKey(id))
	pipe.SRem(ctx, r.jobIDsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("jobstore/redis: delete job", err)
	}
	if del.Val() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]*job.Job, error) {
	ids, err := r.client.SMembers(ctx, r.jobIDsKey()).Result()
	if err != nil {
		return nil, apperrors.Internal("jobstore/redis: list smembers", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.jobKey(id), "data")
	}
	// Missing entries surface as redis.Nil on their own command.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, apperrors.Internal("jobstore/redis: list jobs", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		j, err := unmarshalJob(data)
		if err != nil {
			r.logger.Warn("Skipping undecodable job", "jobId", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func jobToMap(j *job.Job) (map[string]any, error) {
	data, err := marshalJob(j)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            j.ID,
		"workflow_type": j.WorkflowType,
		"status":        j.Status.String(),
		"attempt":       strconv.FormatUint(uint64(j.Attempt), 10),
		"updated_at":    j.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
		"data":          data,
	}, nil
}

func marshalJob(j *job.Job) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(j); err != nil {
		return nil, apperrors.Internal("jobstore/redis: encode job", err)
	}
	return buf.Bytes(), nil
}

func unmarshalJob(data []byte) (*job.Job, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	var j job.Job
	if err := dec.Decode(&j); err != nil {
		return nil, apperrors.Internal("jobstore/redis: decode job", err)
	}
	return &j, nil
}
