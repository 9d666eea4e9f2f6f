package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/chargemap/chargemap-api/internal/infrastructure/auth"
	"github.com/chargemap/chargemap-api/internal/models"
	"github.com/chargemap/chargemap-api/internal/repository"
	service "github.com/chargemap/chargemap-api/internal/services"
	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var phoneRe = regexp.MustCompile(`^[\d\s()+\-\.]{8,20}$`)

// maxBodyBytes bounds request bodies. 256kb is far beyond any valid
// payload on these routes.
const maxBodyBytes = 256 << 10

type Handler struct {
	service  service.AuthService
	validate *validator.Validate
}

func NewHandler(s service.AuthService) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phoneRe.MatchString(fl.Field().String())
	})
	return &Handler{service: s, validate: v}
}

type errorResponse struct {
	Error string `json:"error"`
}

// authUser is the compact user shape in login/register responses.
type authUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"omitempty,max=120"`
	Phone    string `json:"phone" validate:"omitempty,phone"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// updateRequest decodes role so clients sending it get no decode error,
// but nothing ever reads it: roles are not updatable through this route.
type updateRequest struct {
	Email    *string `json:"email" validate:"omitempty,email"`
	Password *string `json:"password" validate:"omitempty,min=6"`
	Name     *string `json:"name" validate:"omitempty,max=120"`
	Phone    *string `json:"phone" validate:"omitempty,phone"`
	Role     *string `json:"role"`
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/register", h.Register).Methods("POST")
	r.HandleFunc("/refresh", h.Refresh).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/users", h.ListUsers).Methods("GET")
	r.HandleFunc("/users/{id}", h.UpdateUser).Methods("PUT")
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, pair, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, pkgerrors.ErrInternal)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         authUser{ID: user.ID, Email: user.Email, Name: user.Name},
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, pair, err := h.service.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		if errors.Is(err, pkgerrors.ErrEmailTaken) {
			h.writeError(w, http.StatusConflict, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, pkgerrors.ErrInternal)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":         authUser{ID: user.ID, Email: user.Email, Name: user.Name},
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Refresh accepts the refresh token in the body or the x-refresh-token
// header, body taking precedence.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeBodyError(w, err)
			return
		}
	}

	token := req.RefreshToken
	if token == "" {
		token = r.Header.Get("x-refresh-token")
	}
	if token == "" {
		h.writeError(w, http.StatusBadRequest, pkgerrors.ErrMissingToken)
		return
	}

	accessToken, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidToken) {
			h.writeError(w, http.StatusUnauthorized, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, pkgerrors.ErrInternal)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"accessToken": accessToken})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	params, err := parseListQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := h.service.ListUsers(r.Context(), params)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, pkgerrors.ErrInternal)
		}
		return
	}

	pages := (page.Total + int64(params.Limit) - 1) / int64(params.Limit)
	if pages < 1 {
		pages = 1
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": page.Users,
		"meta": map[string]interface{}{
			"total":   page.Total,
			"page":    params.Page,
			"limit":   params.Limit,
			"pages":   pages,
			"hasNext": int64(params.Page) < pages,
			"hasPrev": params.Page > 1,
			"sort":    params.Sort,
			"order":   params.Order,
		},
	})
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, pkgerrors.ErrMissingCredentials)
		return
	}

	targetID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || targetID <= 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}

	// Authorization comes before the existence check: unauthorized
	// callers get 403 for any id, existing or not.
	if !auth.CanActOn(identity, targetID) {
		h.writeError(w, http.StatusForbidden, pkgerrors.ErrForbidden)
		return
	}

	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == nil && req.Password == nil && req.Name == nil && req.Phone == nil {
		h.writeError(w, http.StatusBadRequest, errors.New("at least one field is required"))
		return
	}

	user, err := h.service.UpdateUser(r.Context(), targetID, service.UpdateInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, pkgerrors.ErrEmailTaken):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeError(w, http.StatusInternalServerError, pkgerrors.ErrInternal)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]models.PublicUser{"user": user.Public()})
}

func parseListQuery(r *http.Request) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:  1,
		Limit: 10,
		Sort:  "createdAt",
		Order: "desc",
	}

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return params, fmt.Errorf("invalid page %q", v)
		}
		params.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return params, fmt.Errorf("invalid limit %q", v)
		}
		params.Limit = n
	}
	if v := q.Get("sort"); v != "" {
		switch v {
		case "createdAt", "name", "email":
			params.Sort = v
		default:
			return params, fmt.Errorf("invalid sort %q", v)
		}
	}
	if v := q.Get("order"); v != "" {
		switch v {
		case "asc", "desc":
			params.Order = v
		default:
			return params, fmt.Errorf("invalid order %q", v)
		}
	}

	return params, nil
}

// decode parses and validates the JSON body, answering 400 or 413
// itself when either step fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeBodyError(w, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			h.writeError(w, http.StatusBadRequest, errors.New(validationMessage(verrs)))
		} else {
			h.writeError(w, http.StatusBadRequest, pkgerrors.ErrInvalidInput)
		}
		return false
	}
	return true
}

// validationMessage aggregates every violation into one stable string,
// first violation first.
func validationMessage(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", field))
		case "email":
			parts = append(parts, fmt.Sprintf("%s must be a valid email address", field))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "phone":
			parts = append(parts, fmt.Sprintf("%s must be a valid phone number", field))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(parts, "; ")
}

func (h *Handler) writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	h.writeError(w, http.StatusBadRequest, errors.New("malformed JSON body"))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
