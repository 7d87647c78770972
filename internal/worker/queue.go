package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// invocationQueue is the consuming side of dispatch.RedisInvoker.
type invocationQueue struct {
	rdb       *redis.Client
	queueName string
}

// Pop blocks until an invocation message is available (BRPOP).
func (q *invocationQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, 0, q.queueName).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}
