package services

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/alphabatem/common/context"
)

// JWTService issues and verifies the tokens that guard the administrative
// surface. Ordinary visitor traffic never carries a token.
type JWTService struct {
	context.DefaultService

	TokenDuration     time.Duration
	jwtSecretKey      string
	adminPasswordHash string
}

type AdminClaims struct {
	Subject string `json:"sub_id"`
	jwt.RegisteredClaims
}

const JWT_SVC = "jwt_svc"

func (svc JWTService) Id() string {
	return JWT_SVC
}

func (svc *JWTService) Configure(ctx *context.Context) error {
	svc.TokenDuration = 24 * time.Hour
	svc.jwtSecretKey = os.Getenv("JWT_ADMIN_SECRET")
	svc.adminPasswordHash = os.Getenv("ADMIN_PASSWORD_HASH")
	return svc.DefaultService.Configure(ctx)
}

func (svc *JWTService) Start() error {
	if svc.jwtSecretKey == "" && os.Getenv("APP_ENV") == "production" {
		return errors.New("JWT_ADMIN_SECRET must be set in production")
	}
	return nil
}

// AdminLogin exchanges the shared admin password for a token. The stored
// value is a bcrypt hash, never the plaintext.
func (svc *JWTService) AdminLogin(password string) (string, error) {
	if svc.adminPasswordHash == "" {
		return "", errors.New("admin access not configured")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(svc.adminPasswordHash), []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	return svc.ToJWT("admin")
}

func (svc *JWTService) VerifyJWTToken(jwtToken string) (string, error) {
	token, err := jwt.ParseWithClaims(jwtToken, &AdminClaims{}, svc.getJWTKey)
	if err == nil && token.Valid {
		claims, ok := token.Claims.(*AdminClaims)
		if ok && claims != nil {
			expTime, err := claims.GetExpirationTime()
			if err != nil {
				return "", fmt.Errorf("failed to get expiration time: %v", err)
			}
			if expTime.Unix() < time.Now().Unix() {
				return "", errors.New("token has expired")
			}

			return claims.Subject, nil
		}
	}

	return "", errors.New("unsupported JWT format")
}

func (svc *JWTService) getJWTKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return []byte(svc.jwtSecretKey), nil
}

func (svc *JWTService) ToJWT(subject string) (string, error) {
	expTime := time.Now().Add(svc.TokenDuration)

	claims := &AdminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "FirstPeek",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(svc.jwtSecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}

	return tokenString, nil
}

func (svc *JWTService) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	return authHeader[7:], nil
}
