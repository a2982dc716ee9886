package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jongwoo108/yak-sok/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertsRepository 安全线报警记录仓库（safety_alerts）
// 状态单向流转由 SQL 条件 status = 'pending' 保证
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警记录仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	id, user_id, recipient_id, dose_id, alert_type, status, title, message,
	task_handle, scheduled_at, sent_at, retry_count, error_message, created_at, updated_at`

// Create 写入报警记录，回填 id / created_at / updated_at
func (r *AlertsRepository) Create(ctx context.Context, alert *models.Alert) error {
	if alert.Status == "" {
		alert.Status = models.AlertPending
	}

	query := `
		INSERT INTO safety_alerts (
			user_id, recipient_id, dose_id, alert_type, status, title, message,
			task_handle, scheduled_at, sent_at, retry_count, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		alert.UserID,
		nullInt64(alert.RecipientID),
		nullInt64(alert.DoseID),
		string(alert.AlertType),
		string(alert.Status),
		alert.Title,
		alert.Message,
		nullString(alert.TaskHandle),
		alert.ScheduledAt,
		nullTime(alert.SentAt),
		alert.RetryCount,
		nullString(alert.ErrorMessage),
	).Scan(&alert.ID, &alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// Get 按 id 读取
func (r *AlertsRepository) Get(ctx context.Context, alertID int64) (*models.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM safety_alerts WHERE id = $1`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// SetTaskHandle 记录升级任务句柄
func (r *AlertsRepository) SetTaskHandle(ctx context.Context, alertID int64, handle string) error {
	query := `
		UPDATE safety_alerts
		SET task_handle = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, alertID, handle)
	if err != nil {
		return fmt.Errorf("failed to set alert task handle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	return nil
}

// Transition pending → 终态；返回是否真正发生了迁移
// 已处于终态的记录不会被修改（返回 false, nil）
func (r *AlertsRepository) Transition(ctx context.Context, alertID int64, to models.AlertStatus, at time.Time, errMsg string) (bool, error) {
	if !models.CanTransition(models.AlertPending, to) {
		return false, fmt.Errorf("invalid alert transition to %q", to)
	}

	var sentAt interface{}
	if to == models.AlertSent {
		sentAt = at
	}
	var lastErr interface{}
	if errMsg != "" {
		lastErr = errMsg
	}

	query := `
		UPDATE safety_alerts
		SET status = $2,
		    sent_at = COALESCE($3, sent_at),
		    error_message = COALESCE($4, error_message),
		    retry_count = retry_count + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, alertID, string(to), sentAt, lastErr)
	if err != nil {
		return false, fmt.Errorf("failed to transition alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CancelPendingForDose 取消某次服药下所有 pending 报警
func (r *AlertsRepository) CancelPendingForDose(ctx context.Context, doseID int64) (int64, error) {
	query := `
		UPDATE safety_alerts
		SET status = 'cancelled', updated_at = NOW()
		WHERE dose_id = $1
		  AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, doseID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel alerts for dose: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// ListForUsers 列出若干老人的报警记录，按时间倒序；status 为空表示全部
func (r *AlertsRepository) ListForUsers(ctx context.Context, userIDs []int64, status models.AlertStatus, limit int) ([]*models.Alert, error) {
	if len(userIDs) == 0 {
		return []*models.Alert{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + alertColumns + `
		FROM safety_alerts
		WHERE user_id = ANY($1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(userIDs), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var alertType, status string
	var recipientID, doseID sql.NullInt64
	var taskHandle, errMsg sql.NullString
	var sentAt sql.NullTime

	if err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&recipientID,
		&doseID,
		&alertType,
		&status,
		&alert.Title,
		&alert.Message,
		&taskHandle,
		&alert.ScheduledAt,
		&sentAt,
		&alert.RetryCount,
		&errMsg,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return nil, err
	}

	alert.AlertType = models.AlertType(alertType)
	alert.Status = models.AlertStatus(status)
	if recipientID.Valid {
		alert.RecipientID = &recipientID.Int64
	}
	if doseID.Valid {
		alert.DoseID = &doseID.Int64
	}
	if taskHandle.Valid {
		alert.TaskHandle = &taskHandle.String
	}
	if sentAt.Valid {
		alert.SentAt = &sentAt.Time
	}
	if errMsg.Valid {
		alert.ErrorMessage = &errMsg.String
	}
	return &alert, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
