package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jongwoo108/yak-sok/internal/models"

	"go.uber.org/zap"
)

// DosesRepository 服药记录仓库
// 表结构归属用药管理服务，这里只读，唯一写入的是 task_handle
type DosesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDosesRepository 创建服药记录仓库
func NewDosesRepository(db *sql.DB, logger *zap.Logger) *DosesRepository {
	return &DosesRepository{
		db:     db,
		logger: logger,
	}
}

const doseSelect = `
	SELECT
		ml.id,
		m.user_id,
		m.name,
		ml.scheduled_datetime,
		ms.time_of_day,
		ml.status,
		COALESCE(mg.is_severe, FALSE),
		ml.task_handle
	FROM medication_logs ml
	JOIN medication_schedules ms ON ms.id = ml.schedule_id
	JOIN medications m ON m.id = ml.medication_id
	LEFT JOIN medication_groups mg ON mg.id = m.group_id
`

// GetDose 读取一次服药
func (r *DosesRepository) GetDose(ctx context.Context, doseID int64) (*models.DoseOccurrence, error) {
	query := doseSelect + `WHERE ml.id = $1`

	dose, err := scanDose(r.db.QueryRowContext(ctx, query, doseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dose %d: %w", doseID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dose: %w", err)
	}
	return dose, nil
}

// PendingCount 用户在同一计划时刻仍未服用的药数
func (r *DosesRepository) PendingCount(ctx context.Context, userID int64, dueAt time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM medication_logs ml
		JOIN medications m ON m.id = ml.medication_id
		WHERE m.user_id = $1
		  AND ml.scheduled_datetime = $2
		  AND ml.status = 'pending'
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, dueAt).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending doses: %w", err)
	}
	return count, nil
}

// MarkTaskHandle 写入（或清空）升级任务句柄
func (r *DosesRepository) MarkTaskHandle(ctx context.Context, doseID int64, handle *string) error {
	query := `
		UPDATE medication_logs
		SET task_handle = $2
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, doseID, nullString(handle))
	if err != nil {
		return fmt.Errorf("failed to mark dose task handle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("dose %d: %w", doseID, ErrNotFound)
	}
	return nil
}

// ListPendingBetween [from, to) 区间内待服用的记录，按计划时间排序
func (r *DosesRepository) ListPendingBetween(ctx context.Context, from, to time.Time) ([]*models.DoseOccurrence, error) {
	query := doseSelect + `
		WHERE ml.status = 'pending'
		  AND ml.scheduled_datetime >= $1
		  AND ml.scheduled_datetime < $2
		ORDER BY ml.scheduled_datetime ASC, ml.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending doses: %w", err)
	}
	defer rows.Close()

	doses := make([]*models.DoseOccurrence, 0)
	for rows.Next() {
		dose, err := scanDose(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dose: %w", err)
		}
		doses = append(doses, dose)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate doses: %w", err)
	}
	return doses, nil
}

func scanDose(row rowScanner) (*models.DoseOccurrence, error) {
	var dose models.DoseOccurrence
	var slot, status string
	var taskHandle sql.NullString

	if err := row.Scan(
		&dose.ID,
		&dose.UserID,
		&dose.MedicationName,
		&dose.DueAt,
		&slot,
		&status,
		&dose.Severe,
		&taskHandle,
	); err != nil {
		return nil, err
	}

	dose.TimeSlot = models.TimeSlot(slot)
	dose.Status = models.DoseStatus(status)
	if taskHandle.Valid {
		dose.TaskHandle = &taskHandle.String
	}
	return &dose, nil
}
