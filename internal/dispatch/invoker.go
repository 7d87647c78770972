package dispatch

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"kiln/internal/pkg/errors"
	"kiln/internal/render"
)

// Invocation is the one-way message carried to a stateless render worker.
// Everything else the worker needs it reads back from the bucket.
type Invocation struct {
	RenderID   string            `json:"renderId"`
	ChunkIndex int               `json:"chunkIndex"`
	FrameRange render.FrameRange `json:"frameRange"`
	BucketName string            `json:"bucketName"`
	Attempt    int               `json:"attempt"`
}

// Invoker issues one worker invocation. Issuance is fire-and-forget: a nil
// error means the platform accepted the invocation, not that the chunk
// completed. Platform rejection (throttling, quota, permission) surfaces as
// an INVOCATION_ERROR.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// RedisInvoker dispatches invocations by pushing them onto a redis list
// that workers consume with BRPOP.
type RedisInvoker struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisInvoker(rdb *redis.Client, queueName string) *RedisInvoker {
	return &RedisInvoker{rdb: rdb, queueName: queueName}
}

func (q *RedisInvoker) Invoke(ctx context.Context, inv Invocation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "invoke.encode", "failed to encode invocation")
	}
	if err := q.rdb.LPush(ctx, q.queueName, payload).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeInvocation, "invoke.push", "worker invocation rejected")
	}
	return nil
}

// DecodeInvocation parses a worker queue message.
func DecodeInvocation(payload string) (Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return Invocation{}, errors.WrapWithCode(err, errors.CodeValidation, "invoke.decode", "malformed invocation message")
	}
	return inv, nil
}
