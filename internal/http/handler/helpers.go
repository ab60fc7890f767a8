package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/http/middleware"

	"github.com/go-chi/chi/v5"
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.InvalidRequest("request body too large")
		}
		return domain.InvalidRequest("invalid JSON body")
	}
	return nil
}

func identityFrom(r *http.Request) *domain.Identity {
	identity, _ := middleware.IdentityFromContext(r.Context())
	return identity
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, domain.InvalidField(name, "%s must be a positive integer", name)
	}
	return uint(id), nil
}

func queryUint(r *http.Request, name string) (*uint, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return nil, domain.InvalidField(name, "%s must be a positive integer", name)
	}
	id := uint(v)
	return &id, nil
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return 0
	}
	return v
}

func queryBool(r *http.Request, name string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, domain.InvalidField(name, "%s must be a boolean", name)
	}
	return &v, nil
}
