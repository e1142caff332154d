package adapters

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenNoExpiry = fmt.Errorf("token has no exp claim")

type TokenDecoder interface {
	ExpiresAt(token string) (time.Time, error)
}

// JWTTokenDecoder reads the exp claim of vendor issued JWTs. Signatures are not
// verified, the tokens are only used as an expiry hint.
type JWTTokenDecoder struct {
	parser *jwt.Parser
}

func NewJWTTokenDecoder() *JWTTokenDecoder {
	return &JWTTokenDecoder{parser: jwt.NewParser()}
}

func (d *JWTTokenDecoder) ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := d.parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, ErrTokenNoExpiry
	}
	return exp.Time, nil
}

var _ TokenDecoder = &JWTTokenDecoder{}
