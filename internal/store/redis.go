package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djsplit/api/internal/model"
)

// Mirror persists job projections outside process memory.
type Mirror interface {
	Save(job *model.Job) error
}

const jobKeyPrefix = "job:"

// RedisMirror writes job projections through to Redis with a retention TTL,
// so completed jobs can be inspected across restarts.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror creates a mirror. A non-positive ttl defaults to 24 hours.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// Save stores the job projection under job:<id>.
func (m *RedisMirror) Save(job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Set(ctx, jobKeyPrefix+job.ID, data, m.ttl).Err()
}

// LoadAll returns every mirrored job projection.
func (m *RedisMirror) LoadAll(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job

	iter := m.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("load mirrored job %s: %w", iter.Val(), err)
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode mirrored job %s: %w", iter.Val(), err)
		}
		jobs = append(jobs, &job)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

// Restore loads mirrored jobs into the registry at startup.
func (r *Registry) Restore(ctx context.Context, mirror *RedisMirror) error {
	jobs, err := mirror.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		r.Insert(job)
	}
	return nil
}
