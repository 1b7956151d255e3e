package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/apperr"
)

type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Service interface {
	Create(ctx context.Context, req CreateUserRequest) (User, error)
	Get(ctx context.Context, id snowflake.ID) (User, error)
}

var (
	ErrInvalidUsername = apperr.New(apperr.KindValidation, "invalid_username")
	ErrInvalidEmail    = apperr.New(apperr.KindValidation, "invalid_email")
	ErrUsernameTaken   = apperr.New(apperr.KindConflict, "username_taken")
	ErrNotFound        = apperr.New(apperr.KindNotFound, "user_not_found")
)
