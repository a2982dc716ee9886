package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jongwoo108/yak-sok/internal/models"

	"go.uber.org/zap"
)

// DirectoryRepository 用户 / 监护关系目录（users, guardian_relations）
type DirectoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDirectoryRepository 创建目录仓库
func NewDirectoryRepository(db *sql.DB, logger *zap.Logger) *DirectoryRepository {
	return &DirectoryRepository{
		db:     db,
		logger: logger,
	}
}

// GetUser 读取用户
func (r *DirectoryRepository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	query := `
		SELECT id, username, COALESCE(first_name, ''), role, COALESCE(fcm_token, '')
		FROM users
		WHERE id = $1
	`
	var user models.User
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.FirstName,
		&user.Role,
		&user.PushAddress,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetPushAddress 推送地址；未登记返回空串
func (r *DirectoryRepository) GetPushAddress(ctx context.Context, userID int64) (string, error) {
	query := `SELECT COALESCE(fcm_token, '') FROM users WHERE id = $1`

	var address string
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get push address: %w", err)
	}
	return address, nil
}

// ListGuardians 老人的全部监护人，主监护人在前
func (r *DirectoryRepository) ListGuardians(ctx context.Context, seniorID int64) ([]*models.User, error) {
	query := `
		SELECT u.id, u.username, COALESCE(u.first_name, ''), u.role, COALESCE(u.fcm_token, '')
		FROM guardian_relations gr
		JOIN users u ON u.id = gr.guardian_id
		WHERE gr.senior_id = $1
		ORDER BY gr.is_primary DESC, u.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, seniorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardians: %w", err)
	}
	defer rows.Close()

	guardians := make([]*models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &u.Role, &u.PushAddress); err != nil {
			return nil, fmt.Errorf("failed to scan guardian: %w", err)
		}
		guardians = append(guardians, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guardians: %w", err)
	}
	return guardians, nil
}

// ListSeniors 监护人负责的老人 id
func (r *DirectoryRepository) ListSeniors(ctx context.Context, guardianID int64) ([]int64, error) {
	query := `
		SELECT senior_id
		FROM guardian_relations
		WHERE guardian_id = $1
		ORDER BY senior_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, guardianID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seniors: %w", err)
	}
	defer rows.Close()

	seniors := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan senior id: %w", err)
		}
		seniors = append(seniors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate seniors: %w", err)
	}
	return seniors, nil
}
