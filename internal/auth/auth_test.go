package auth

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	opts = append([]CodecOption{WithClock(func() time.Time { return testNow })}, opts...)
	c, err := NewCodec([]byte("test-secret"), opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func strPtr(s string) *string { return &s }

func tamperSignature(token string) string {
	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	i := len(sig) / 2
	if sig[i] == 'A' {
		sig[i] = 'B'
	} else {
		sig[i] = 'A'
	}
	parts[2] = string(sig)
	return strings.Join(parts, ".")
}

func signMap(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign map claims: %v", err)
	}
	return signed
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(nil); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected errMissingSecret, got %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	codec := newTestCodec(t, WithIssuer("ontour"))
	in := Claims{
		UserID:         "user-1",
		OrganizationID: strPtr("org_1"),
		Role:           "member",
		Permissions:    []string{"shows.write", "finance.read"},
		Scope:          ScopeTenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ontour",
			Subject:   "user-1",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	token, err := codec.Sign(in, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	out, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out.UserID != in.UserID || out.Role != in.Role || out.Scope != in.Scope {
		t.Fatalf("identity changed: %+v", out)
	}
	if out.OrganizationID == nil || *out.OrganizationID != "org_1" {
		t.Fatalf("organization changed: %v", out.OrganizationID)
	}
	if !slices.Equal(out.Permissions, in.Permissions) {
		t.Fatalf("permissions changed: %v", out.Permissions)
	}
	if out.ID != in.ID || out.Subject != in.Subject || out.Issuer != in.Issuer {
		t.Fatalf("registered claims changed: %+v", out.RegisteredClaims)
	}
	if !out.ExpiresAt.Time.Equal(in.ExpiresAt.Time) || !out.IssuedAt.Time.Equal(in.IssuedAt.Time) {
		t.Fatalf("timestamps changed: %v %v", out.ExpiresAt, out.IssuedAt)
	}

	again, err := codec.Sign(*out, 0)
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if again != token {
		t.Fatal("re-encoding verified claims should reproduce the token")
	}
}

func TestSignFillsDefaults(t *testing.T) {
	codec := newTestCodec(t, WithIssuer("ontour"))
	token, err := codec.Sign(Claims{UserID: "u-2", Role: "viewer", OrganizationID: strPtr("org_2")}, 15*time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "u-2" || claims.Issuer != "ontour" || claims.ID == "" {
		t.Fatalf("defaults not applied: %+v", claims.RegisteredClaims)
	}
	if !claims.ExpiresAt.Time.Equal(testNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
	if _, err := codec.Sign(Claims{UserID: "u-2", Role: "viewer"}, 0); err == nil {
		t.Fatal("expected error when no expiry is available")
	}
	if _, err := codec.Sign(Claims{Role: "viewer"}, time.Minute); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestVerifyFailures(t *testing.T) {
	codec := newTestCodec(t, WithIssuer("ontour"))
	valid, err := codec.Sign(Claims{UserID: "u", Role: "member", OrganizationID: strPtr("org_1")}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	expired, err := codec.Sign(Claims{
		UserID:         "u",
		Role:           "member",
		OrganizationID: strPtr("org_1"),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(-time.Minute)),
		},
	}, 0)
	if err != nil {
		t.Fatalf("Sign expired: %v", err)
	}
	noRole, err := codec.Sign(Claims{UserID: "u", OrganizationID: strPtr("org_1")}, time.Hour)
	if err != nil {
		t.Fatalf("Sign no role: %v", err)
	}
	exp := testNow.Add(time.Hour).Unix()

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrMalformed},
		{"garbage", "not-a-jwt", ErrMalformed},
		{"tampered signature", tamperSignature(valid), ErrInvalidSignature},
		{"wrong secret", signMap(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"userId": "u", "role": "member", "iss": "ontour", "exp": exp}), ErrInvalidSignature},
		{"wrong algorithm", signMap(t, jwt.SigningMethodHS512, "test-secret", jwt.MapClaims{"userId": "u", "role": "member", "iss": "ontour", "exp": exp}), ErrInvalidSignature},
		{"expired", expired, ErrExpired},
		{"missing role", noRole, ErrMalformed},
		{"missing expiry", signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{"userId": "u", "role": "member", "iss": "ontour"}), ErrMalformed},
		{"organization wrong type", signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{"userId": "u", "role": "member", "organizationId": 42, "iss": "ontour", "exp": exp}), ErrMalformed},
		{"unknown scope", signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{"userId": "u", "role": "member", "scope": "root", "iss": "ontour", "exp": exp}), ErrMalformed},
		{"missing user", signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{"role": "member", "iss": "ontour", "exp": exp}), ErrMalformed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Verify(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("error %v should wrap ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyIssuerMismatch(t *testing.T) {
	codec := newTestCodec(t, WithIssuer("ontour"))
	token := signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{
		"userId": "u", "role": "member", "iss": "someone-else", "exp": testNow.Add(time.Hour).Unix(),
	})
	_, err := codec.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if errors.Is(err, ErrExpired) || errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("issuer mismatch misclassified: %v", err)
	}
}

func TestVerifyAcceptsSubjectFallback(t *testing.T) {
	codec := newTestCodec(t)
	token := signMap(t, jwt.SigningMethodHS256, "test-secret", jwt.MapClaims{
		"sub": "user-from-sub", "role": "viewer", "organizationId": "org_1", "exp": testNow.Add(time.Hour).Unix(),
	})
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-from-sub" {
		t.Fatalf("expected subject fallback, got %q", claims.UserID)
	}
}

func TestVerifyLeeway(t *testing.T) {
	token, err := newTestCodec(t).Sign(Claims{
		UserID: "u",
		Role:   "member",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(-10 * time.Second)),
		},
	}, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := newTestCodec(t, WithLeeway(30*time.Second)).Verify(token); err != nil {
		t.Fatalf("expected leeway to accept token: %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"", "", false},
		{"   ", "", false},
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer   abc ", "abc", true},
		{"BEARER abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearerabc", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ExtractToken(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAdminKeyIsStableAndPurposeBound(t *testing.T) {
	a, err := AdminKey([]byte("secret"))
	if err != nil {
		t.Fatalf("AdminKey: %v", err)
	}
	b, _ := AdminKey([]byte("secret"))
	if a != b || len(a) != 64 {
		t.Fatalf("admin key not stable: %q %q", a, b)
	}
	other, err := DeriveKey([]byte("secret"), "something-else", 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(other) == a {
		t.Fatal("keys for different purposes must differ")
	}
	if _, err := AdminKey(nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
