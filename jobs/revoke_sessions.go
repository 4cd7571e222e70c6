package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
)

// SessionStore drops every session belonging to a user.
type SessionStore interface {
	RevokeUser(ctx context.Context, userID int64) (int, error)
}

// RevocationObserver records the outcome of a revocation attempt.
type RevocationObserver interface {
	ObserveRevocation(err error)
}

// RevokeSessionsJob handles TaskRevokeUserSessions.
type RevokeSessionsJob struct {
	Sessions SessionStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Observer RevocationObserver
}

// NewRevokeSessionsJob initialises the revocation handler.
func NewRevokeSessionsJob(sessions SessionStore, logger *slog.Logger, metrics *jobmetrics.Metrics, observer RevocationObserver) *RevokeSessionsJob {
	return &RevokeSessionsJob{Sessions: sessions, Logger: logger, Metrics: metrics, Observer: observer}
}

// Handle removes the user's sessions. Transient store failures are returned so
// Asynq retries the task; malformed payloads are dropped.
func (j *RevokeSessionsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("revoke sessions: handler not configured")
	}
	var payload RevokeUserSessionsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.UserID <= 0 {
		j.logger().Warn("revoke sessions: malformed payload", slog.String("payload", string(t.Payload())))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskRevokeUserSessions)
	defer func() {
		err = tracker.End(err)
		if j.Observer != nil {
			j.Observer.ObserveRevocation(err)
		}
	}()

	count, err := j.Sessions.RevokeUser(ctx, payload.UserID)
	if err != nil {
		j.logger().Error("revoke sessions", slog.Int64("user_id", payload.UserID), slog.Any("error", err))
		return err
	}
	j.Metrics.AddRevokedSessions(count)
	j.logger().Info("sessions revoked", slog.Int64("user_id", payload.UserID), slog.Int("count", count))
	return nil
}

func (j *RevokeSessionsJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
