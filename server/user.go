package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// MinPasswordLength is the shortest password accepted by CreateUser
const MinPasswordLength = 8

// CreateUser registers a resource owner
func (s *Server) CreateUser(ctx context.Context, username, email, password string) (*storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, MinPasswordLength)
	}

	hash, err := security.HashSecretWithCost(password, s.Config.BcryptCost)
	if err != nil {
		return nil, err
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: username or email already taken", ErrInvalidRequest)
		}
		return nil, storeError("create user", err)
	}

	s.Logger.Info("Created user", "username", username)
	return user, nil
}

// AuthenticateUser checks a username and password. Unknown users and wrong
// passwords fail the same way and take the same time.
func (s *Server) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return nil, storeError("get user", err)
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	if cmpErr := security.CompareSecret(hash, password); user == nil || cmpErr != nil || password == "" {
		if s.Auditor != nil {
			userID := ""
			if user != nil {
				userID = user.ID
			}
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventLoginFailure,
				UserID:    userID,
				IPAddress: security.ClientIPFromContext(ctx),
			})
		}
		return nil, fmt.Errorf("%w: invalid username or password", ErrAccessDenied)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventLoginSuccess,
			UserID:    user.ID,
			IPAddress: security.ClientIPFromContext(ctx),
		})
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *Server) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user not found", ErrInvalidRequest)
		}
		return nil, storeError("get user", err)
	}
	return user, nil
}
