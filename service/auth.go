package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slides2video/config"
	"slides2video/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 8

// Authenticator 负责注册、登录与 JWT 校验
type Authenticator struct {
	DB     *gorm.DB
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(db *gorm.DB, cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		DB:     db,
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.Expiry(),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *Authenticator) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	// 只要求非空，不校验邮箱格式
	if email == "" {
		return nil, validationf("email is required")
	}
	if len(password) < minPasswordLength {
		return nil, validationf("password must be at least %d characters", minPasswordLength)
	}

	db := a.DB.WithContext(ctx)
	n, err := models.CountUsersByEmail(db, email)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, conflictf("email %s already registered", email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := models.NewUser(email, string(hash))
	if err := models.CreateUser(db, &user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, conflictf("email %s already registered", email)
		}
		return nil, err
	}
	return &user, nil
}

// Login 校验账号密码，返回签名后的 token 及其过期时间
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	user, err := models.GetUserByEmail(a.DB.WithContext(ctx), normalizeEmail(email))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", time.Time{}, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
		}
		return "", time.Time{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
	}
	return a.Issue(user.ID)
}

func (a *Authenticator) Issue(userID string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	expiresAt := time.Now().Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify 返回 token 中携带的用户 id
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}
