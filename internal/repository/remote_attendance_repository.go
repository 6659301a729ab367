package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

const (
	defaultRemoteKey  = "attendance:remote"
	remoteEventsField = ":events"
	remotePushedField = ":pushed_at"
)

// ErrRemoteUnavailable is returned when no remote client is configured.
var ErrRemoteUnavailable = errors.New("remote attendance store unavailable")

// RemoteAttendanceRepository mirrors ledger rows into a Redis hash keyed by event id. Pushing the
// same event twice overwrites the previous copy.
type RemoteAttendanceRepository struct {
	client *redis.Client
	key    string
}

// NewRemoteAttendanceRepository constructs the remote store adapter.
func NewRemoteAttendanceRepository(client *redis.Client, key string) *RemoteAttendanceRepository {
	if key == "" {
		key = defaultRemoteKey
	}
	return &RemoteAttendanceRepository{client: client, key: key}
}

// Push uploads events in a single pipeline.
func (r *RemoteAttendanceRepository) Push(ctx context.Context, events []models.AttendanceEvent) error {
	if r.client == nil {
		return ErrRemoteUnavailable
	}
	if len(events) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(events)*2)
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal remote attendance %s: %w", event.ID, err)
		}
		values = append(values, event.ID, payload)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key+remoteEventsField, values...)
	pipe.Set(ctx, r.key+remotePushedField, time.Now().UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push remote attendance: %w", err)
	}
	return nil
}

// Remove deletes remote copies of events removed from the ledger. Absent ids are ignored.
func (r *RemoteAttendanceRepository) Remove(ctx context.Context, ids ...string) error {
	if r.client == nil {
		return ErrRemoteUnavailable
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key+remoteEventsField, ids...).Err(); err != nil {
		return fmt.Errorf("remove remote attendance: %w", err)
	}
	return nil
}
