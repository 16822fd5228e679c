package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
)

// UserRepository defines user data access.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByPlatformChatID(ctx context.Context, platform models.Platform, chatID string) (*models.User, error)
	GetByPhone(ctx context.Context, phone string) (*models.User, error)
	Upsert(ctx context.Context, user *models.User) error
	UpdateRole(ctx context.Context, id int64, role models.Role) error
	UpdateName(ctx context.Context, id int64, name string) error
	UpdatePhone(ctx context.Context, id int64, phone string) error
	UpdateCourierProfile(ctx context.Context, user *models.User) error
	SetApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) error
	ListActiveCouriers(ctx context.Context) ([]*models.User, error)
	ListAdmins(ctx context.Context) ([]*models.User, error)
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const userColumns = `
	id, phone, chat_id, name, role, platform, is_active,
	approval_status, full_name, id_document_ref, selfie_ref, vehicle_doc_ref,
	vehicle_category, service_area, terms_accepted_at, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Phone, &u.ChatID, &u.Name, &u.Role, &u.Platform, &u.IsActive,
		&u.ApprovalStatus, &u.FullName, &u.IDDocumentRef, &u.SelfieRef, &u.VehicleDocRef,
		&u.VehicleCategory, &u.ServiceArea, &u.TermsAcceptedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepo) GetByPlatformChatID(ctx context.Context, platform models.Platform, chatID string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE platform = $1 AND chat_id = $2`, platform, chatID))
}

func (r *userRepo) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT`+userColumns+` FROM users WHERE phone = $1`, phone))
}

// Upsert creates the user on first contact or refreshes mutable identity
// fields on conflict. The (platform, chat_id) pair is the stable identity.
func (r *userRepo) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (phone, chat_id, name, role, platform, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (platform, chat_id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END,
			updated_at = NOW()
		RETURNING` + userColumns

	u, err := scanUser(r.pool.QueryRow(ctx, query,
		user.Phone, user.ChatID, user.Name, user.Role, user.Platform))
	if err != nil {
		return err
	}
	*user = *u
	return nil
}

func (r *userRepo) UpdateRole(ctx context.Context, id int64, role models.Role) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, id, role)
	return err
}

func (r *userRepo) UpdateName(ctx context.Context, id int64, name string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET name = $2, updated_at = NOW() WHERE id = $1`, id, name)
	return err
}

func (r *userRepo) UpdatePhone(ctx context.Context, id int64, phone string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET phone = $2, updated_at = NOW() WHERE id = $1`, id, phone)
	return err
}

// UpdateCourierProfile persists the courier onboarding fields.
func (r *userRepo) UpdateCourierProfile(ctx context.Context, user *models.User) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET
			approval_status = $2,
			full_name = $3,
			id_document_ref = $4,
			selfie_ref = $5,
			vehicle_doc_ref = $6,
			vehicle_category = $7,
			service_area = $8,
			terms_accepted_at = $9,
			updated_at = NOW()
		WHERE id = $1`,
		user.ID, user.ApprovalStatus, user.FullName, user.IDDocumentRef,
		user.SelfieRef, user.VehicleDocRef, user.VehicleCategory,
		user.ServiceArea, user.TermsAcceptedAt)
	return err
}

func (r *userRepo) SetApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET approval_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

// ListActiveCouriers returns all active approved couriers, the broadcast
// fan-out base set.
func (r *userRepo) ListActiveCouriers(ctx context.Context) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+userColumns+` FROM users
		 WHERE role = $1 AND is_active AND approval_status = $2`,
		models.RoleCourier, models.ApprovalApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(
			&u.ID, &u.Phone, &u.ChatID, &u.Name, &u.Role, &u.Platform, &u.IsActive,
			&u.ApprovalStatus, &u.FullName, &u.IDDocumentRef, &u.SelfieRef, &u.VehicleDocRef,
			&u.VehicleCategory, &u.ServiceArea, &u.TermsAcceptedAt, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// ListAdmins returns the active platform operators, the recipients of
// support requests and onboarding submissions.
func (r *userRepo) ListAdmins(ctx context.Context) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+userColumns+` FROM users WHERE role = $1 AND is_active`,
		models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(
			&u.ID, &u.Phone, &u.ChatID, &u.Name, &u.Role, &u.Platform, &u.IsActive,
			&u.ApprovalStatus, &u.FullName, &u.IDDocumentRef, &u.SelfieRef, &u.VehicleDocRef,
			&u.VehicleCategory, &u.ServiceArea, &u.TermsAcceptedAt, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

var _ UserRepository = (*userRepo)(nil)
