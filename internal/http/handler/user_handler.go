package handler

import (
	"net/http"
	"strings"

	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/service"
)

type UserHandler struct {
	users *service.UserService
}

func NewUserHandler(users *service.UserService) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.users.List(r.Context(), identityFrom(r), repository.UserListQuery{
		PageRequest: repository.PageRequest{Page: queryInt(r, "page"), PageSize: queryInt(r, "page_size")},
		Search:      strings.TrimSpace(q.Get("q")),
		Role:        strings.ToUpper(strings.TrimSpace(q.Get("role"))),
		Active:      active,
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateUserInput
	if err := decodeJSON(r, &in); err != nil {
		response.DomainError(w, r, err)
		return
	}
	user, err := h.users.Create(r.Context(), identityFrom(r), in)
	if err != nil {
		observability.Audit(r, "user.create", "failure", "username", in.Username)
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "user.create", "success", "user_id", user.ID)
	response.JSON(w, r, http.StatusCreated, user)
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	var in service.UpdateUserInput
	if err := decodeJSON(r, &in); err != nil {
		response.DomainError(w, r, err)
		return
	}
	user, err := h.users.Update(r.Context(), identityFrom(r), id, in)
	if err != nil {
		observability.Audit(r, "user.update", "failure", "user_id", id)
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "user.update", "success", "user_id", id, "is_active", user.IsActive)
	response.JSON(w, r, http.StatusOK, user)
}
