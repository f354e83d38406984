package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pixelmind/backend/internal/models"
)

// JobCache keeps terminal jobs in Redis so status polling does not hit
// Postgres once a job is done. Processing jobs are never cached. A nil
// *JobCache is valid and caches nothing.
type JobCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewJobCache(rdb *redis.Client, ttl time.Duration) *JobCache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JobCache{redis: rdb, ttl: ttl}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func (c *JobCache) Get(ctx context.Context, jobID string) (*models.Job, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[JOBCACHE] Failed to read job %s: %v", jobID, err)
		}
		return nil, false
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.Printf("[JOBCACHE] Dropping unreadable entry for job %s: %v", jobID, err)
		c.redis.Del(ctx, jobKey(jobID))
		return nil, false
	}
	return &job, true
}

func (c *JobCache) Set(ctx context.Context, job *models.Job) {
	if c == nil || job == nil || !job.State.Terminal() {
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, jobKey(job.ID), data, c.ttl).Err(); err != nil {
		log.Printf("[JOBCACHE] Failed to cache job %s: %v", job.ID, err)
	}
}
