package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// MinSecretLength: минимальная длина секрета подписи в байтах.
const MinSecretLength = 32

// Секрет, который когда-то был зашит в код. Принимать его нельзя.
const legacySecret = "mugishaprosperoijo"

var (
	ErrWeakSecret   = errors.New("token: secret is empty, too short or known")
	ErrInvalidToken = errors.New("token: invalid membership token")
)

// Issuer выпускает токены членства: подписанный HS256 JWT с идентификатором
// участника и случайным jti. Действительность токена определяется тем,
// существует ли запись, которой он выдан, поэтому срок exp носит
// справочный характер.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < MinSecretLength || secret == legacySecret {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		return nil, errors.Errorf("token: ttl must be positive, got %s", ttl)
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue выпускает новый токен для участника.
func (i *Issuer) Issue(memberID uint) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "read random nonce")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(memberID), 10),
		ID:        hex.EncodeToString(nonce),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign membership token")
	}
	return signed, nil
}

// Subject проверяет подпись и возвращает идентификатор участника. Истёкший
// exp не считается ошибкой.
func (i *Issuer) Subject(raw string) (uint, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return 0, errors.Wrap(ErrInvalidToken, err.Error())
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrap(ErrInvalidToken, "bad subject")
	}
	return uint(id), nil
}

// Validate сравнивает предъявленный токен с сохранённым за постоянное время.
// Сравниваются хэши, так что длина токенов тоже не утекает.
func (i *Issuer) Validate(stored, candidate string) bool {
	if stored == "" || candidate == "" {
		return false
	}
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
