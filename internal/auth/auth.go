package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a staff capability group carried in the token
// 職員ロール
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleDoctor      Role = "doctor"
	RolePharmacist  Role = "pharmacist"
	RoleStorekeeper Role = "storekeeper"
	RoleStaff       Role = "staff"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePharmacist, RoleStorekeeper, RoleStaff:
		return true
	}
	return false
}

// 認証関連エラー
var (
	ErrMissingToken = errors.New("認証トークンがありません")
	ErrInvalidToken = errors.New("無効な認証トークンです")
	ErrForbidden    = errors.New("この操作を行う権限がありません")
)

// Identity is the authenticated actor
// 認証済みの操作者
type Identity struct {
	ActorID string `json:"actor_id"`
	Role    Role   `json:"role"`
}

// Can reports whether the identity holds one of roles
// 指定ロールのいずれかを持つか確認
func (id Identity) Can(roles ...Role) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// Claims are the JWT claims issued for staff
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens
// HS256トークンの発行と検証
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// IssueToken signs a token for the actor
// トークンを発行
func (a *Authenticator) IssueToken(actorID string, role Role) (string, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", fmt.Errorf("操作者IDが指定されていません")
	}
	if !role.Valid() {
		return "", fmt.Errorf("無効なロール: %s", role)
	}

	issued := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns the identity it carries
// トークンを検証して操作者を返す
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ActorID: claims.Subject, Role: claims.Role}, nil
}

// FromRequestHeader extracts and verifies a bearer token from an Authorization header value
func (a *Authenticator) FromRequestHeader(header string) (Identity, error) {
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Identity{}, ErrMissingToken
	}
	return a.Verify(strings.TrimSpace(header[len("Bearer "):]))
}

type ctxKey struct{}

// WithIdentity stores the identity in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the auth middleware
// コンテキストから操作者を取得
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
