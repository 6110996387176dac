// Package users implements the account flow: signup, login and token
// issuance. Accounts live in the record store like everything else, in the
// server-managed user, user_settings, password and auth_token tables.
package users

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadsync/internal/common"
	"threadsync/internal/record"
	"threadsync/internal/server/auth"
	"threadsync/internal/server/config"
)

const minPasswordLength = 8

// Store is the slice of the database the account flow needs.
type Store interface {
	GetUserByName(ctx context.Context, name string) (*record.Record, error)
	GetRecordRaw(ctx context.Context, p record.Pointer) (*record.Record, error)
	WriteSystemRecords(ctx context.Context, m record.RecordMap) error
}

// Result is a successful signup or login: the account's user id and a
// bearer token for it.
type Result struct {
	UserID string
	Token  string
}

type Service struct {
	store         Store
	jwtSecret     []byte
	tokenValidity time.Duration

	now func() time.Time
}

func NewService(store Store, cfg *config.Config) *Service {
	return &Service{
		store:         store,
		jwtSecret:     []byte(cfg.SecretKey),
		tokenValidity: cfg.AccessTokenValidityDuration,
		now:           time.Now,
	}
}

// Signup creates the account records and issues a first token. Names are
// unique; a taken name fails validation.
func (s *Service) Signup(ctx context.Context, name, password string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", common.ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, common.ErrValidation)
	}

	existing, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("name %q is taken: %w", name, common.ErrValidation)
	}

	hash, salt, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	userID := uuid.NewString()
	createdAt := s.now().UTC().Format(time.RFC3339)

	m := record.NewRecordMap()
	m.Set(record.Pointer{Table: record.TableUser, ID: userID}, &record.Record{
		ID:      userID,
		Version: 1,
		Attrs:   map[string]any{"name": name, "createdAt": createdAt},
	})
	m.Set(record.Pointer{Table: record.TableUserSettings, ID: userID}, &record.Record{
		ID:      userID,
		Version: 1,
		Attrs:   map[string]any{},
	})
	m.Set(record.Pointer{Table: record.TablePassword, ID: userID}, &record.Record{
		ID:      userID,
		Version: 1,
		Attrs:   map[string]any{"hash": hash, "salt": salt},
	})
	if err := s.store.WriteSystemRecords(ctx, m); err != nil {
		return nil, err
	}

	return s.issueToken(ctx, userID)
}

// Login verifies the credentials and issues a fresh token. Unknown names
// and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, name, password string) (*Result, error) {
	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Deleted {
		return nil, fmt.Errorf("invalid credentials: %w", common.ErrUnauthorized)
	}

	pw, err := s.store.GetRecordRaw(ctx, record.Pointer{Table: record.TablePassword, ID: user.ID})
	if err != nil {
		return nil, err
	}
	if pw == nil || !auth.VerifyPassword(password, pw.StringAttr("hash"), pw.StringAttr("salt")) {
		return nil, fmt.Errorf("invalid credentials: %w", common.ErrUnauthorized)
	}

	return s.issueToken(ctx, user.ID)
}

// issueToken signs a jwt and records it in the auth_token table so active
// sessions are enumerable server-side.
func (s *Service) issueToken(ctx context.Context, userID string) (*Result, error) {
	token, err := auth.GenerateToken(userID, s.jwtSecret, s.tokenValidity)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.tokenValidity).UTC().Format(time.RFC3339)
	m := record.NewRecordMap()
	tokenID := uuid.NewString()
	m.Set(record.Pointer{Table: record.TableAuthToken, ID: tokenID}, &record.Record{
		ID:      tokenID,
		Version: 1,
		Attrs:   map[string]any{"userId": userID, "expiresAt": expiresAt},
	})
	if err := s.store.WriteSystemRecords(ctx, m); err != nil {
		return nil, err
	}

	return &Result{UserID: userID, Token: token}, nil
}
