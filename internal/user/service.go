package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"go-buddychat/internal/apperr"
	myMiddleware "go-buddychat/internal/middleware"
)

const (
	tokenIssuer = "go-buddychat"
	tokenTTL    = 24 * time.Hour
)

// Store is the persistence the user service needs.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	Usernames(ctx context.Context, ids []int64) (map[int64]string, error)
}

type Service struct {
	repo      Store
	jwtSecret string
	now       func() time.Time
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > 50 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "username must be 1 to 50 characters")
	}
	if len(req.Password) < 6 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "password must be at least 6 characters")
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: username,
		Password: string(hashedPwd),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, apperr.Wrap(apperr.CodeInvalidArgument, "username already taken", err)
		}
		return nil, apperr.Unavailable("create user", err)
	}

	return &RegisterResponse{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperr.New(apperr.CodeUnauthenticated, "invalid credentials")
		}
		return nil, apperr.Unavailable("load user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.New(apperr.CodeUnauthenticated, "invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		Admin:    u.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

// ValidateToken satisfies myMiddleware.TokenValidator.
func (s *Service) ValidateToken(tokenString string) (myMiddleware.Actor, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil || !token.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return myMiddleware.Actor{}, err
	}

	return myMiddleware.Actor{ID: claims.ID, Username: claims.Username, Admin: claims.Admin}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperr.Unavailable("search users", err)
	}
	return users, nil
}

func (s *Service) Usernames(ctx context.Context, ids []int64) (map[int64]string, error) {
	return s.repo.Usernames(ctx, ids)
}
