package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/storage"
)

// OperatorStore is the slice of storage the auth endpoints need.
type OperatorStore interface {
	GetOperatorByEmail(ctx context.Context, email string) (*models.Operator, error)
	CreateOperator(ctx context.Context, op *models.Operator) error
}

type Handler struct {
	store   OperatorStore
	service *Service
}

func NewHandler(store OperatorStore, service *Service) *Handler {
	return &Handler{store: store, service: service}
}

// Login authenticates an operator and returns a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password required", http.StatusBadRequest)
		return
	}

	op, err := h.store.GetOperatorByEmail(r.Context(), req.Email)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.service.GenerateToken(op.ID, op.Role)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.LoginResponse{Token: token, Role: op.Role})
}

// CreateOperator provisions an operator account with its device limit.
// Admin only; routed behind RequireAdmin.
func (h *Handler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOperatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password required", http.StatusBadRequest)
		return
	}

	role := req.Role
	if role == "" {
		role = models.RoleOperator
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	op := &models.Operator{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         role,
		DeviceLimit:  req.DeviceLimit,
	}

	if err := h.store.CreateOperator(r.Context(), op); err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			http.Error(w, "Email already registered", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(op)
}
