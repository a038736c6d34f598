package services

import (
	"errors"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/clock"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type AuthService interface {
	GenerateToken(userID domain.UserID, role domain.Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	Role   domain.Role   `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) Principal() domain.Principal {
	return domain.Principal{UserID: c.UserID, Role: c.Role}
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	clock          clock.Clock
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		clock:          clk,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, role domain.Role) (string, error) {
	if !role.Valid() {
		return "", ErrInvalidToken
	}
	now := s.clock.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" && claims.Role.Valid() {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// roleGate grants actions by role. Viewers may watch; operators may also
// stop and inspect other users' sessions; admins may manage nodes.
type roleGate struct {
	grants map[domain.Role]map[domain.Action]bool
}

func NewRoleGate() ports.AuthGate {
	viewer := map[domain.Action]bool{domain.ActionViewLive: true}
	operator := map[domain.Action]bool{
		domain.ActionViewLive:       true,
		domain.ActionStopAnySession: true,
		domain.ActionViewAnySession: true,
	}
	admin := map[domain.Action]bool{
		domain.ActionViewLive:       true,
		domain.ActionStopAnySession: true,
		domain.ActionViewAnySession: true,
		domain.ActionManageNodes:    true,
	}
	return &roleGate{grants: map[domain.Role]map[domain.Action]bool{
		domain.RoleViewer:   viewer,
		domain.RoleOperator: operator,
		domain.RoleAdmin:    admin,
	}}
}

func (g *roleGate) Authorize(principal domain.Principal, action domain.Action) bool {
	if principal.UserID == "" {
		return false
	}
	return g.grants[principal.Role][action]
}
