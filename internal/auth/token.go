package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"waitline/internal/models"
)

var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Identity: аутентифицированный пользователь запроса.
type Identity struct {
	ID   uint
	Name string
	Role models.Role
}

type claims struct {
	Name string      `json:"name"`
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator выпускает и проверяет access и refresh токены пользователей.
type Authenticator struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewAuthenticator(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Authenticator {
	return &Authenticator{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// Pair выпускает пару токенов для пользователя.
func (a *Authenticator) Pair(id Identity) (access, refresh string, err error) {
	access, err = a.generate(id, a.accessTTL, a.accessSecret)
	if err != nil {
		return "", "", errors.Wrap(err, "generate access token")
	}
	refresh, err = a.generate(id, a.refreshTTL, a.refreshSecret)
	if err != nil {
		return "", "", errors.Wrap(err, "generate refresh token")
	}
	return access, refresh, nil
}

func (a *Authenticator) ParseAccess(raw string) (Identity, error) {
	return a.parse(raw, a.accessSecret)
}

func (a *Authenticator) ParseRefresh(raw string) (Identity, error) {
	return a.parse(raw, a.refreshSecret)
}

func (a *Authenticator) generate(id Identity, ttl time.Duration, secret []byte) (string, error) {
	now := a.now()
	c := claims{
		Name: id.Name,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(id.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

func (a *Authenticator) parse(raw string, secret []byte) (Identity, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 || !c.Role.Valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ID: uint(id), Name: c.Name, Role: c.Role}, nil
}
