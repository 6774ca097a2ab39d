// Package auth manages user credentials and session tokens. Credentials are
// loaded from the store at startup and kept in a locked cache; live tokens
// expire from a TTL cache.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"parlor/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists = errors.New("user already exists")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
	User        models.User `json:"user,omitzero"`
}

type Credentials struct {
	models.User
	PasswordHash string `json:"passwordHash"`
	// Counter for consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

// Store persists credentials across restarts.
type Store interface {
	UpsertCredentials(Credentials) error
	ListCredentials() ([]Credentials, error)
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

type Service struct {
	Config
	store      Store
	users      *geche.Locker[string, *Credentials]
	usersByID  geche.Geche[string, models.User]
	liveTokens geche.Geche[string, string]
	log        *slog.Logger
	now        func() time.Time
}

func NewService(ctx context.Context, config Config, store Store) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		usersByID:  geche.NewMapCache[string, models.User](),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		log:        slog.Default(),
		now:        time.Now,
	}

	if store != nil {
		credentials, err := store.ListCredentials()
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
		tx := s.users.Lock()
		defer tx.Unlock()
		for i := range credentials {
			tx.Set(credentials[i].UserName, &credentials[i])
			s.usersByID.Set(credentials[i].ID, credentials[i].User)
		}
	}

	return s, nil
}

func (s *Service) AddUser(username, password, displayName string, moderator bool) (models.User, error) {
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hashing password: %w", err)
	}

	tx := s.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.User{}, ErrUserExists
	}

	credentials := &Credentials{
		User: models.User{
			ID:          uuid.NewString(),
			UserName:    username,
			DisplayName: displayName,
			Moderator:   moderator,
		},
		PasswordHash: string(hash),
	}
	if s.store != nil {
		if err := s.store.UpsertCredentials(*credentials); err != nil {
			return models.User{}, fmt.Errorf("persisting user: %w", err)
		}
	}
	tx.Set(username, credentials)
	s.usersByID.Set(credentials.ID, credentials.User)

	return credentials.User, nil
}

func (s *Service) Login(req LoginRequest) LoginResponse {
	now := s.now()
	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		s.persist(user)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}
	}

	token, err := s.generateToken()
	if err != nil {
		s.log.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}
	}

	s.liveTokens.Set(token, user.ID)
	user.ResetFailedLoginAttempts(now)
	s.persist(user)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(s.TokenExpiry.Seconds()),
		User:        user.User,
	}
}

// Refresh trades a live token for a fresh one and invalidates the old one.
func (s *Service) Refresh(token string) (LoginResponse, error) {
	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return LoginResponse{}, models.ErrAuthExpired
	}

	fresh, err := s.generateToken()
	if err != nil {
		return LoginResponse{}, err
	}
	s.liveTokens.Set(fresh, userID)
	_ = s.liveTokens.Del(token)

	user, _ := s.usersByID.Get(userID)
	return LoginResponse{
		Success:     true,
		Token:       fresh,
		TokenExpiry: s.now().Unix() + int64(s.TokenExpiry.Seconds()),
		User:        user,
	}, nil
}

func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

// UserID resolves a live token. Expired or unknown tokens surface as
// models.ErrAuthExpired.
func (s *Service) UserID(token string) (string, error) {
	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrAuthExpired
	}
	return userID, nil
}

// User resolves a live token to the full user record.
func (s *Service) User(token string) (models.User, error) {
	userID, err := s.UserID(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.usersByID.Get(userID)
	if err != nil {
		return models.User{}, models.ErrAuthExpired
	}
	return user, nil
}

// Users lists all known users.
func (s *Service) Users() []models.User {
	snapshot := s.usersByID.Snapshot()
	users := make([]models.User, 0, len(snapshot))
	for _, u := range snapshot {
		users = append(users, u)
	}
	return users
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// persist is best effort: a failed write costs at most a stale attempt
// counter after restart.
func (s *Service) persist(credentials *Credentials) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertCredentials(*credentials); err != nil {
		s.log.Error("failed to persist credentials", "user_id", credentials.ID, "error", err)
	}
}
