package auth

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crema/backend/internal/apperr"
)

type Claims struct {
	UserID    string `json:"sub"`
	Username  string `json:"username"`
	Authority string `json:"authority"`
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Resolver 把不透明 token 解析成身份；签发不在本服务内
type Resolver interface {
	Resolve(ctx context.Context, token string) (Authentication, error)
}

type JWTResolver struct {
	secret []byte
	issuer string
}

func NewJWTResolver(secret, issuer string) *JWTResolver {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}
}

func (r *JWTResolver) Resolve(ctx context.Context, tokenString string) (Authentication, error) {
	if tokenString == "" {
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Authentication{}, apperr.New(apperr.KindNotAuthorized, "token expired")
		}
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "invalid token: %v", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "invalid token claims")
	}
	if claims.Type != "" && claims.Type != "access" {
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "access token required")
	}
	if claims.UserID == "" {
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "token has no subject")
	}
	authority, err := ParseAuthority(claims.Authority)
	if err != nil {
		return Authentication{}, apperr.New(apperr.KindNotAuthorized, "invalid authority %q", claims.Authority)
	}
	sid := claims.SessionID
	if sid == "" {
		// 旧 token 没有 sid 时退化为一个用户一个会话
		sid = claims.UserID
	}
	return Authentication{
		UserID:    claims.UserID,
		UserName:  claims.Username,
		Authority: authority,
		SessionID: sid,
	}, nil
}

// SignAccessToken 只给测试和本地调试用，生产环境的 token 由外部认证服务签发
func (r *JWTResolver) SignAccessToken(userID, username string, authority Authority, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:    userID,
		Username:  username,
		Authority: authority.String(),
		SessionID: uuid.NewString(),
		Type:      "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
