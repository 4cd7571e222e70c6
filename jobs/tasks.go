package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRevokeUserSessions is the task type that drops every session of a user.
	TaskRevokeUserSessions = "sessions:revoke_user"
)

// RevokeUserSessionsPayload identifies the user whose sessions must be dropped.
type RevokeUserSessionsPayload struct {
	UserID int64 `json:"user_id"`
}

// NewRevokeUserSessionsTask constructs an Asynq task.
func NewRevokeUserSessionsTask(userID int64) (*asynq.Task, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("jobs: invalid user id %d", userID)
	}
	data, err := json.Marshal(RevokeUserSessionsPayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRevokeUserSessions, data), nil
}

// RedisOpt converts a host:port address or redis:// URL into Asynq connection options.
func RedisOpt(addr string) (asynq.RedisConnOpt, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := asynq.ParseRedisURI(addr)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse redis uri: %w", err)
		}
		return opt, nil
	}
	return asynq.RedisClientOpt{Addr: addr}, nil
}
