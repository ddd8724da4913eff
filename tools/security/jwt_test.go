package security

import (
	"testing"
	"time"

	"github.com/EY-Engage/realtime-core/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	want := Identity{
		UserID:     "u-1001",
		Roles:      []string{"manager", "employee"},
		Department: "Finance",
		IsActive:   true,
	}

	token, expireAt, err := Generate(opts, want)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expireAt) <= 0 {
		t.Fatalf("expireAt in the past: %v", expireAt)
	}

	got, err := Verify(opts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UserID != want.UserID || got.Department != want.Department || !got.IsActive {
		t.Fatalf("identity = %+v, want %+v", got, want)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "manager" || got.Roles[1] != "employee" {
		t.Fatalf("roles = %v", got.Roles)
	}
}

func TestVerifyExpired(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))

	past := time.Now().Add(-time.Hour)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u-1",
		"iat": past.Add(-time.Hour).Unix(),
		"exp": past.Unix(),
	})
	token, err := tok.SignedString(opts.Secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(opts, token); !errs.ErrTokenExpired.Is(err) {
		t.Fatalf("want token expired, got %v", err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))

	if _, err := Verify(opts, "not-a-jwt"); !errs.ErrTokenInvalid.Is(err) {
		t.Fatalf("garbage: want token invalid, got %v", err)
	}

	// 换密钥签的令牌
	other := DefaultOptions([]byte("other-secret"))
	token, _, err := Generate(other, Identity{UserID: "u-1", IsActive: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(opts, token); !errs.ErrTokenInvalid.Is(err) {
		t.Fatalf("wrong key: want token invalid, got %v", err)
	}
}

func TestGenerateUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("k"), Alg: "RS256"}
	if _, _, err := Generate(opts, Identity{UserID: "u-1"}); err == nil {
		t.Fatal("want error for unsupported alg")
	}
}
