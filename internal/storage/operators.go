package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"fleetwatch-backend/internal/models"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrAlertNotFound    = errors.New("alert not found")
)

func (s *Storage) CreateOperator(ctx context.Context, op *models.Operator) error {
	query := `
		INSERT INTO operators (id, email, password_hash, role, device_limit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		op.ID, op.Email, op.PasswordHash, op.Role, op.DeviceLimit).Scan(&op.CreatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (s *Storage) GetOperatorByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	err := s.db.GetContext(ctx, &op,
		`SELECT id, email, password_hash, role, device_limit, created_at
		 FROM operators WHERE email = $1`, email)
	if err == sql.ErrNoRows {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Storage) GetOperator(ctx context.Context, id string) (*models.Operator, error) {
	var op models.Operator
	err := s.db.GetContext(ctx, &op,
		`SELECT id, email, password_hash, role, device_limit, created_at
		 FROM operators WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
