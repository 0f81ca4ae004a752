package main

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	bearerPrefix = "Bearer "
	adminRole    = "admin"
)

type accessClaims struct {
	UID   string `json:"uid"`
	Admin bool   `json:"admin"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func (c *accessClaims) privileged() bool {
	return c.Admin || c.Role == adminRole
}

type accessGate struct {
	secret []byte
	parser *jwt.Parser
	log    *zap.Logger
}

func newAccessGate(secret, issuer, audience string, log *zap.Logger) *accessGate {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &accessGate{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
		log:    log,
	}
}

// authorize returns nil for anonymous requests, including any header that
// does not carry a valid token.
func (g *accessGate) authorize(bearerHeader string) *accessClaims {
	if len(g.secret) == 0 || bearerHeader == "" {
		return nil
	}
	if len(bearerHeader) < len(bearerPrefix) ||
		!strings.EqualFold(bearerHeader[:len(bearerPrefix)], bearerPrefix) {
		g.log.Debug("authorization header without bearer scheme")
		return nil
	}

	tokenStr := strings.TrimSpace(bearerHeader[len(bearerPrefix):])
	claims := &accessClaims{}
	if _, err := g.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}); err != nil {
		g.log.Debug("token rejected", zap.Error(err))
		return nil
	}

	if claims.UID == "" {
		claims.UID = claims.Subject
	}
	if claims.UID == "" {
		g.log.Debug("token without uid")
		return nil
	}

	return claims
}

func mayView(rec *imageRecord, claims *accessClaims) bool {
	if rec.approved() {
		return true
	}
	if claims == nil {
		return false
	}
	return (rec.OwnerID != "" && claims.UID == rec.OwnerID) || claims.privileged()
}
