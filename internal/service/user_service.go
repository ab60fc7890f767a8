package service

import (
	"context"
	"errors"
	"strings"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"
)

type CreateUserInput struct {
	Name          string      `json:"name"`
	Username      string      `json:"username"`
	Password      string      `json:"password"`
	Email         *string     `json:"email"`
	ExternalTagID string      `json:"external_tag_id"`
	Role          domain.Role `json:"role"`
}

type UpdateUserInput struct {
	Name     *string      `json:"name"`
	Username *string      `json:"username"`
	Password *string      `json:"password"`
	Email    *string      `json:"email"`
	Role     *domain.Role `json:"role"`
	IsActive *bool        `json:"is_active"`
}

type UserView struct {
	domain.User
	ActiveAssignments []domain.Assignment `json:"active_assignments"`
}

type UserService struct {
	store repository.Store
}

func NewUserService(store repository.Store) *UserService {
	return &UserService{store: store}
}

func (s *UserService) Profile(ctx context.Context, identity *domain.Identity) (*domain.User, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	user, err := s.store.Users().FindByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, domain.NotFound("user not found")
		}
		return nil, err
	}
	return user, nil
}

// List returns a page of users, each with its open assignments.
func (s *UserService) List(ctx context.Context, actor *domain.Identity, query repository.UserListQuery) (repository.PageResult[UserView], error) {
	if err := RequireAdmin(actor); err != nil {
		return repository.PageResult[UserView]{}, err
	}
	page, err := s.store.Users().ListPaged(ctx, query)
	if err != nil {
		return repository.PageResult[UserView]{}, err
	}
	active, err := s.store.Assignments().ListActive(ctx, repository.ActiveAssignmentQuery{})
	if err != nil {
		return repository.PageResult[UserView]{}, err
	}
	byUser := make(map[uint][]domain.Assignment)
	for _, a := range active {
		a.User = nil
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}

	out := repository.PageResult[UserView]{
		Items:      make([]UserView, 0, len(page.Items)),
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	}
	for _, u := range page.Items {
		assignments := byUser[u.ID]
		if assignments == nil {
			assignments = []domain.Assignment{}
		}
		out.Items = append(out.Items, UserView{User: u, ActiveAssignments: assignments})
	}
	return out, nil
}

func (s *UserService) Create(ctx context.Context, actor *domain.Identity, in CreateUserInput) (*domain.User, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	tag := strings.TrimSpace(in.ExternalTagID)
	username := domain.NormalizeUsername(in.Username)
	if name == "" || tag == "" || username == "" || in.Password == "" {
		return nil, domain.InvalidRequest("name, external_tag_id, username and password are required")
	}
	role := in.Role
	if role == "" {
		role = domain.RoleUser
	}
	if !role.Valid() {
		return nil, domain.InvalidField("role", "role must be ADMIN or USER")
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Username:      username,
		PasswordHash:  hash,
		Name:          name,
		Email:         trimmedOrNil(in.Email),
		Role:          role,
		IsActive:      true,
		ExternalTagID: tag,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Update applies the non-nil fields. Deactivating a user revokes all of that
// user's sessions in the same transaction.
func (s *UserService) Update(ctx context.Context, actor *domain.Identity, id uint, in UpdateUserInput) (*domain.User, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, err
	}
	if id == actor.UserID {
		if (in.IsActive != nil && !*in.IsActive) || (in.Role != nil && *in.Role != domain.RoleAdmin) {
			return nil, domain.InvalidRequest("admins cannot remove their own access")
		}
	}

	var updated *domain.User
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		user, err := tx.Users().FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return domain.NotFound("user not found")
			}
			return err
		}
		wasActive := user.IsActive

		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return domain.InvalidField("name", "name must not be empty")
			}
			user.Name = name
		}
		if in.Username != nil {
			username := domain.NormalizeUsername(*in.Username)
			if username == "" {
				return domain.InvalidField("username", "username must not be empty")
			}
			user.Username = username
		}
		if in.Password != nil && *in.Password != "" {
			hash, err := hashPassword(*in.Password)
			if err != nil {
				return err
			}
			user.PasswordHash = hash
		}
		if in.Email != nil {
			user.Email = trimmedOrNil(in.Email)
		}
		if in.Role != nil {
			if !in.Role.Valid() {
				return domain.InvalidField("role", "role must be ADMIN or USER")
			}
			user.Role = *in.Role
		}
		if in.IsActive != nil {
			user.IsActive = *in.IsActive
		}

		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if wasActive && !user.IsActive {
			if _, err := tx.Sessions().DeleteByUserID(ctx, user.ID); err != nil {
				return err
			}
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type BootstrapAdminInput struct {
	Username      string
	Password      string
	Name          string
	ExternalTagID string
}

// EnsureAdmin creates the admin account, or re-activates and resets an
// existing account with the same username. It reports whether a row was
// created.
func (s *UserService) EnsureAdmin(ctx context.Context, in BootstrapAdminInput) (*domain.User, bool, error) {
	username := domain.NormalizeUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, false, domain.InvalidRequest("bootstrap admin username and password are required")
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, false, err
	}

	var (
		user    *domain.User
		created bool
	)
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		existing, err := tx.Users().FindByUsername(ctx, username)
		switch {
		case err == nil:
			existing.PasswordHash = hash
			existing.Role = domain.RoleAdmin
			existing.IsActive = true
			if name := strings.TrimSpace(in.Name); name != "" {
				existing.Name = name
			}
			user = existing
			return tx.Users().Update(ctx, existing)
		case errors.Is(err, repository.ErrUserNotFound):
			name := strings.TrimSpace(in.Name)
			if name == "" {
				name = "Administrator"
			}
			tag := strings.TrimSpace(in.ExternalTagID)
			if tag == "" {
				return domain.InvalidField("external_tag_id", "bootstrap admin tag is required")
			}
			user = &domain.User{
				Username:      username,
				PasswordHash:  hash,
				Name:          name,
				Role:          domain.RoleAdmin,
				IsActive:      true,
				ExternalTagID: tag,
			}
			created = true
			return tx.Users().Create(ctx, user)
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
