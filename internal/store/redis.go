package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// jobRetention keeps finished jobs queryable for a day before Redis evicts them.
const jobRetention = 24 * time.Hour

// saveIfRunningScript swaps the job JSON only while the stored state is
// non-terminal. Get-modify-save callers go through this so a cancel and a
// completion racing each other cannot overwrite whichever committed first.
var saveIfRunningScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local state = cjson.decode(cur)['state']
  if state == 'completed' or state == 'failed' or state == 'cancelled' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

// RedisStore stores jobs as JSON blobs under upload:<id>.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) Create(ctx context.Context, job *model.UploadJob) error {
	return s.Save(ctx, job)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.UploadJob, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.UploadJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (s *RedisStore) Save(ctx context.Context, job *model.UploadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobRetention).Err()
}

func (s *RedisStore) SaveIfRunning(ctx context.Context, job *model.UploadJob) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := saveIfRunningScript.Run(ctx, s.redis, []string{jobKey(job.ID)},
		data, int64(jobRetention.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}
	return res == 1, nil
}

func jobKey(id string) string {
	return fmt.Sprintf("upload:%s", id)
}
