package testutil

import (
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	MakerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	OpsUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	SeedPairID  = uuid.MustParse("00000000-0000-0000-0000-000000000201")
	SeedOrderID = uuid.MustParse("00000000-0000-0000-0000-000000000301")
	SeedBlockID = uuid.MustParse("00000000-0000-0000-0000-000000000401")
)

func GenerateJWT(userID uuid.UUID, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "settlement",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
