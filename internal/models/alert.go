package models

import "time"

// AlertType 报警类型
type AlertType string

const (
	AlertReminder  AlertType = "reminder"
	AlertWarning   AlertType = "warning"
	AlertEmergency AlertType = "emergency"
)

// AlertStatus 报警状态
type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertSent      AlertStatus = "sent"
	AlertCancelled AlertStatus = "cancelled"
	AlertFailed    AlertStatus = "failed"
)

// IsTerminal sent / cancelled / failed 为终态
func (s AlertStatus) IsTerminal() bool {
	return s == AlertSent || s == AlertCancelled || s == AlertFailed
}

// CanTransition 状态只能从 pending 单向流转到终态
func CanTransition(from, to AlertStatus) bool {
	return from == AlertPending && to.IsTerminal()
}

// Alert 安全线报警记录（对应 safety_alerts 表）
type Alert struct {
	ID           int64       `json:"id" db:"id"`
	UserID       int64       `json:"user_id" db:"user_id"`
	RecipientID  *int64      `json:"recipient_id,omitempty" db:"recipient_id"` // 监护人逐条投递记录
	DoseID       *int64      `json:"dose_id,omitempty" db:"dose_id"`
	AlertType    AlertType   `json:"alert_type" db:"alert_type"`
	Status       AlertStatus `json:"status" db:"status"`
	Title        string      `json:"title" db:"title"`
	Message      string      `json:"message" db:"message"`
	TaskHandle   *string     `json:"task_handle,omitempty" db:"task_handle"`
	ScheduledAt  time.Time   `json:"scheduled_at" db:"scheduled_at"`
	SentAt       *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	RetryCount   int         `json:"retry_count" db:"retry_count"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}
