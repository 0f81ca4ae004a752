package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGate() *accessGate {
	return newAccessGate(testSecret, "", "", zap.NewNop())
}

func TestMayView(t *testing.T) {
	approved := &imageRecord{ID: "a", OwnerID: testOwnerID}
	explicitlyApproved := &imageRecord{ID: "b", OwnerID: testOwnerID, Approved: boolPtr(true)}
	unapproved := &imageRecord{ID: "c", OwnerID: testOwnerID, Approved: boolPtr(false)}
	orphan := &imageRecord{ID: "d", Approved: boolPtr(false)}

	owner := &accessClaims{UID: testOwnerID}
	other := &accessClaims{UID: testOtherID}
	admin := &accessClaims{UID: testOtherID, Admin: true}
	roleAdmin := &accessClaims{UID: testOtherID, Role: "admin"}
	editor := &accessClaims{UID: testOtherID, Role: "editor"}
	emptyUID := &accessClaims{}

	cases := []struct {
		name   string
		rec    *imageRecord
		claims *accessClaims
		want   bool
	}{
		{"approved by default, anonymous", approved, nil, true},
		{"approved, anonymous", explicitlyApproved, nil, true},
		{"approved, other user", explicitlyApproved, other, true},
		{"unapproved, anonymous", unapproved, nil, false},
		{"unapproved, other user", unapproved, other, false},
		{"unapproved, non-admin role", unapproved, editor, false},
		{"unapproved, owner", unapproved, owner, true},
		{"unapproved, admin flag", unapproved, admin, true},
		{"unapproved, admin role", unapproved, roleAdmin, true},
		{"no owner, empty uid", orphan, emptyUID, false},
		{"no owner, admin", orphan, admin, true},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, mayView(c.rec, c.claims), c.name)
	}
}

func TestAuthorizeValidToken(t *testing.T) {
	token := signToken(&accessClaims{
		UID: testOwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims := newTestGate().authorize("Bearer " + token)
	require.NotNil(t, claims)
	assert.Equal(t, testOwnerID, claims.UID)
	assert.False(t, claims.privileged())

	claims = newTestGate().authorize("bearer " + token)
	require.NotNil(t, claims)
}

func TestAuthorizeSubjectFallback(t *testing.T) {
	token := signToken(&accessClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: testOtherID,
		},
	})

	claims := newTestGate().authorize("Bearer " + token)
	require.NotNil(t, claims)
	assert.Equal(t, testOtherID, claims.UID)
	assert.True(t, claims.privileged())
}

func TestAuthorizeRejects(t *testing.T) {
	expired := signToken(&accessClaims{
		UID: testOwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &accessClaims{UID: testOwnerID}).
		SignedString([]byte("another-secret"))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &accessClaims{UID: testOwnerID}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noUID := signToken(&accessClaims{Admin: true})

	gate := newTestGate()
	for name, header := range map[string]string{
		"empty":        "",
		"basic scheme": "Basic dXNlcjpwYXNz",
		"garbage":      "Bearer not-a-token",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + foreign,
		"alg none":     "Bearer " + unsigned,
		"no uid":       "Bearer " + noUID,
	} {
		assert.Nil(t, gate.authorize(header), name)
	}
}

func TestAuthorizeWithoutSecret(t *testing.T) {
	gate := newAccessGate("", "", "", zap.NewNop())
	assert.Nil(t, gate.authorize("Bearer "+signToken(&accessClaims{UID: testOwnerID})))
}

func TestAuthorizeIssuerAndAudience(t *testing.T) {
	gate := newAccessGate(testSecret, "https://auth.example.com", "iiif", zap.NewNop())

	good := signToken(&accessClaims{
		UID: testOwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "https://auth.example.com",
			Audience: jwt.ClaimStrings{"iiif"},
		},
	})
	assert.NotNil(t, gate.authorize("Bearer "+good))

	wrongIssuer := signToken(&accessClaims{
		UID: testOwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "https://evil.example.com",
			Audience: jwt.ClaimStrings{"iiif"},
		},
	})
	assert.Nil(t, gate.authorize("Bearer "+wrongIssuer))

	noAudience := signToken(&accessClaims{
		UID: testOwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "https://auth.example.com",
		},
	})
	assert.Nil(t, gate.authorize("Bearer "+noAudience))
}
