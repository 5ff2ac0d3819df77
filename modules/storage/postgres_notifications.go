package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vigilhq/vigil/pkg/model"
)

const notificationColumns = `id, client_id, incident_id, alert_id, provider, recipient, status, sent_at, created_at, error`

func scanNotification(row sqlx.ColScanner) (*model.NotificationLog, error) {
	n := model.NotificationLog{}
	var incidentID, alertID uuid.NullUUID
	var sentAt sql.NullTime
	err := row.Scan(&n.ID, &n.ClientID, &incidentID, &alertID, &n.Provider, &n.Recipient, &n.Status, &sentAt, &n.CreatedAt, &n.Error)
	if err != nil {
		return nil, classify(err)
	}
	if incidentID.Valid {
		n.IncidentID = &incidentID.UUID
	}
	if alertID.Valid {
		n.AlertID = &alertID.UUID
	}
	n.SentAt = timePtr(sentAt)
	return &n, nil
}

// InsertNotificationLog records a pending send attempt before the provider is
// called, so a crash mid-send leaves an auditable row.
func (s *pgStore) InsertNotificationLog(ctx context.Context, entry model.NotificationLog) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = model.NotificationPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_log (id, client_id, incident_id, alert_id, provider, recipient, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ClientID, entry.IncidentID, entry.AlertID, entry.Provider, entry.Recipient, entry.Status, entry.CreatedAt)
	if err != nil {
		return uuid.Nil, classify(err)
	}
	return entry.ID, nil
}

func (s *pgStore) FinishNotificationLog(ctx context.Context, id uuid.UUID, status model.NotificationStatus, sentAt *time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_log SET status = $2, sent_at = $3, error = $4 WHERE id = $1`,
		id, status, sentAt, errMsg)
	return classify(err)
}

// LastSuccessfulSend is the cooldown lookup: the newest sent_at among
// successful sends for the incident, nil when none exist.
func (s *pgStore) LastSuccessfulSend(ctx context.Context, incidentID uuid.UUID) (*time.Time, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT MAX(sent_at) FROM notification_log
		WHERE incident_id = $1 AND status = 'success'`, incidentID)

	var sentAt sql.NullTime
	if err := row.Scan(&sentAt); err != nil {
		return nil, classify(err)
	}
	return timePtr(sentAt), nil
}

func (s *pgStore) ListNotifications(ctx context.Context, clientID uuid.UUID, limit int) ([]*model.NotificationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+notificationColumns+` FROM notification_log
		WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*model.NotificationLog
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, classify(rows.Err())
}

// GetClientSettings returns a zero-value row when the client never saved
// settings. Defaults are resolved by the overrides module, not here.
func (s *pgStore) GetClientSettings(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT client_id, notification_email, slack_webhook_url, slack_channel_name,
		       grace_period_seconds, reminder_notification_seconds, alert_grouping_enabled,
		       notify_on_resolve, heartbeat_threshold_minutes, consecutive_failures_threshold
		FROM client_settings WHERE client_id = $1`, clientID)

	cs := model.ClientSettings{}
	err := row.Scan(&cs.ClientID, &cs.NotificationEmail, &cs.SlackWebhookURL, &cs.SlackChannelName,
		&cs.GracePeriodSeconds, &cs.ReminderNotificationSeconds, &cs.AlertGroupingEnabled,
		&cs.NotifyOnResolve, &cs.HeartbeatThresholdMinutes, &cs.ConsecutiveFailuresThreshold)
	if err != nil {
		if err == sql.ErrNoRows {
			return &model.ClientSettings{ClientID: clientID, AlertGroupingEnabled: true, NotifyOnResolve: true}, nil
		}
		return nil, classify(err)
	}
	return &cs, nil
}

func (s *pgStore) PutClientSettings(ctx context.Context, cs *model.ClientSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_settings (client_id, notification_email, slack_webhook_url, slack_channel_name,
			grace_period_seconds, reminder_notification_seconds, alert_grouping_enabled,
			notify_on_resolve, heartbeat_threshold_minutes, consecutive_failures_threshold)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id) DO UPDATE SET
			notification_email             = EXCLUDED.notification_email,
			slack_webhook_url              = EXCLUDED.slack_webhook_url,
			slack_channel_name             = EXCLUDED.slack_channel_name,
			grace_period_seconds           = EXCLUDED.grace_period_seconds,
			reminder_notification_seconds  = EXCLUDED.reminder_notification_seconds,
			alert_grouping_enabled         = EXCLUDED.alert_grouping_enabled,
			notify_on_resolve              = EXCLUDED.notify_on_resolve,
			heartbeat_threshold_minutes    = EXCLUDED.heartbeat_threshold_minutes,
			consecutive_failures_threshold = EXCLUDED.consecutive_failures_threshold`,
		cs.ClientID, cs.NotificationEmail, cs.SlackWebhookURL, cs.SlackChannelName,
		cs.GracePeriodSeconds, cs.ReminderNotificationSeconds, cs.AlertGroupingEnabled,
		cs.NotifyOnResolve, cs.HeartbeatThresholdMinutes, cs.ConsecutiveFailuresThreshold)
	return classify(err)
}
