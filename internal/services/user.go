package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultUserRole = "user"
	apiKeyPrefix    = "kb_"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	SetAPIKeyHash(ctx context.Context, id int, hash string) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo   UserRepository
	logger *slog.Logger
}

func NewUserService(repo UserRepository, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{repo: repo, logger: logger}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	return user, translate(err)
}

func (s *UserService) GetByUsername(ctx context.Context, username string) (types.User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	return user, translate(err)
}

// Register creates an account with the default role.
func (s *UserService) Register(ctx context.Context, user types.User, password string) (types.User, error) {
	user.Username = strings.TrimSpace(user.Username)
	user.Email = strings.TrimSpace(user.Email)
	if user.Username == "" || user.Email == "" || password == "" {
		return types.User{}, invalidInput("missing required fields")
	}
	if _, err := mail.ParseAddress(user.Email); err != nil {
		return types.User{}, invalidInput("invalid email")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return types.User{}, invalidInput("unusable password")
	}
	user.PasswordHash = string(hashed)
	user.Role = defaultUserRole
	user.Disabled = false

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return types.User{}, translate(err)
	}
	s.logger.Info("user registered", slog.Int("user_id", created.ID))
	return created, nil
}

// Authenticate checks a username and password. Unknown users, wrong
// passwords and disabled accounts are all ErrNotAuthorized.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (types.User, error) {
	user, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if err = translate(err); errors.Is(err, ErrNotFound) {
			return types.User{}, ErrNotAuthorized
		}
		return types.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return types.User{}, ErrNotAuthorized
	}
	if user.Disabled {
		return types.User{}, ErrNotAuthorized
	}
	return user, nil
}

// UpdateProfile changes the optional profile fields of a user.
func (s *UserService) UpdateProfile(ctx context.Context, userID int, firstName, lastName, company string) (types.User, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return types.User{}, translate(err)
	}
	user.FirstName = strings.TrimSpace(firstName)
	user.LastName = strings.TrimSpace(lastName)
	user.Company = strings.TrimSpace(company)
	updated, err := s.repo.Update(ctx, user)
	return updated, translate(err)
}

// IssueAPIKey creates a new API key for the user, revoking the previous
// one. Only the hash is stored; the key is returned exactly once.
func (s *UserService) IssueAPIKey(ctx context.Context, userID int) (string, error) {
	secret, err := artifact.IssueKey()
	if err != nil {
		return "", err
	}
	key := apiKeyPrefix + secret
	if err := s.repo.SetAPIKeyHash(ctx, userID, HashAPIKey(key)); err != nil {
		return "", translate(err)
	}
	s.logger.Info("api key issued", slog.Int("user_id", userID))
	return key, nil
}

// AuthenticateAPIKey resolves the user an API key was issued to.
func (s *UserService) AuthenticateAPIKey(ctx context.Context, key string) (types.User, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return types.User{}, ErrNotAuthorized
	}
	hash := HashAPIKey(key)
	user, err := s.repo.GetByAPIKeyHash(ctx, hash)
	if err != nil {
		if err = translate(err); errors.Is(err, ErrNotFound) {
			return types.User{}, ErrNotAuthorized
		}
		return types.User{}, err
	}
	if subtle.ConstantTimeCompare([]byte(user.APIKeyHash), []byte(hash)) != 1 || user.Disabled {
		return types.User{}, ErrNotAuthorized
	}
	return user, nil
}

// HashAPIKey returns the hex SHA-256 an API key is stored under.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
