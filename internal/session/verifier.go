package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/daybook/internal/model"
)

// ErrInvalidToken はアクセストークンが不正または期限切れであることを示す。
var ErrInvalidToken = errors.New("invalid access token")

// claims は認証プロバイダが発行するアクセストークンのクレーム。
type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier はHS256署名のアクセストークンを検証する。
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier はVerifierを生成する。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify はトークンを検証し、セッションを返す。
func (v *Verifier) Verify(tokenValue string) (*model.Session, error) {
	if tokenValue == "" {
		return nil, ErrInvalidToken
	}

	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenValue, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if c.Subject == "" {
		return nil, ErrInvalidToken
	}
	if c.ExpiresAt == nil || c.ExpiresAt.Time.Before(v.now()) {
		return nil, ErrInvalidToken
	}

	return &model.Session{
		UserID:    c.Subject,
		Email:     c.Email,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// Issue は指定ユーザーのアクセストークンを発行する。
// CLIからのAPI呼び出しやテストで使用する。
func (v *Verifier) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
