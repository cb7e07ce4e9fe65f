package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/service"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-ec"

const testIssuer = "https://idp.test/realms/clinic"

// mockResolver — мок UserResolver: хранит пользователей в памяти.
type mockResolver struct {
	mu    sync.Mutex
	users map[string]*model.User
	err   error
}

func (m *mockResolver) EnsureUser(_ context.Context, id service.Identity) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = map[string]*model.User{}
	}
	if u, ok := m.users[id.Subject]; ok {
		return u, nil
	}
	u := &model.User{ID: id.Subject, Username: id.Username, Email: id.Email, Role: model.RolePatient}
	m.users[id.Subject] = u
	return u, nil
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestJWTAuth создаёт JWTAuth с mock JWKS.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey, users UserResolver) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, users, testLogger())
}

// generateToken генерирует JWT пользователя.
func generateToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	base := jwt.MapClaims{
		"iss": testIssuer,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"nbf": jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	for k, v := range claims {
		base[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// serve пропускает запрос через middleware и возвращает пользователя из контекста.
func serve(auth *JWTAuth, header string) (*httptest.ResponseRecorder, *model.User, *AuthClaims) {
	var (
		gotUser   *model.User
		gotClaims *AuthClaims
	)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserFromContext(r.Context())
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, gotUser, gotClaims
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key := generateTestKey(t)
	resolver := &mockResolver{}
	auth := newTestJWTAuth(t, key, resolver)

	token := generateToken(t, key, jwt.MapClaims{
		"sub":                "user-123",
		"preferred_username": "ivanova",
		"email":              "ivanova@clinic.example",
	})
	rec, user, claims := serve(auth, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if claims == nil || claims.Subject != "user-123" || claims.PreferredUsername != "ivanova" {
		t.Errorf("claims = %+v", claims)
	}
	if user == nil || user.ID != "user-123" || user.Email != "ivanova@clinic.example" {
		t.Errorf("пользователь = %+v", user)
	}
}

// Роль берётся из БД, а не из токена.
func TestJWTAuth_RoleFromStore(t *testing.T) {
	key := generateTestKey(t)
	resolver := &mockResolver{users: map[string]*model.User{
		"doc-1": {ID: "doc-1", Username: "doc", Role: model.RoleDoctor},
	}}
	auth := newTestJWTAuth(t, key, resolver)

	token := generateToken(t, key, jwt.MapClaims{
		"sub":          "doc-1",
		"realm_access": map[string]any{"roles": []string{"admin"}},
	})
	rec, user, _ := serve(auth, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", rec.Code)
	}
	if user.Role != model.RoleDoctor {
		t.Errorf("роль = %s, ожидалась doctor из БД", user.Role)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)
	auth := newTestJWTAuth(t, key, &mockResolver{})

	expired := generateToken(t, key, jwt.MapClaims{
		"sub": "u",
		"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongIssuer := generateToken(t, key, jwt.MapClaims{"sub": "u", "iss": "https://evil.test"})
	noSub := generateToken(t, key, jwt.MapClaims{})
	foreign := generateToken(t, otherKey, jwt.MapClaims{"sub": "u"})

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"не Bearer", "Basic dXNlcjpwYXNz"},
		{"пустой токен", "Bearer "},
		{"мусор", "Bearer not-a-jwt"},
		{"просроченный", "Bearer " + expired},
		{"чужой issuer", "Bearer " + wrongIssuer},
		{"без sub", "Bearer " + noSub},
		{"чужая подпись", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, user, _ := serve(auth, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался 401, получен %d", rec.Code)
			}
			if user != nil {
				t.Error("обработчик не должен вызываться")
			}
		})
	}
}

func TestJWTAuth_ResolverError(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key, &mockResolver{err: errors.New("БД недоступна")})

	token := generateToken(t, key, jwt.MapClaims{"sub": "u"})
	rec, user, _ := serve(auth, "Bearer "+token)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("ожидался 500, получен %d", rec.Code)
	}
	if user != nil {
		t.Error("обработчик не должен вызываться")
	}
}

func TestUserFromContext_Empty(t *testing.T) {
	if u := UserFromContext(context.Background()); u != nil {
		t.Errorf("ожидался nil, получен %+v", u)
	}
	if c := ClaimsFromContext(context.Background()); c != nil {
		t.Errorf("ожидался nil, получен %+v", c)
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ключи есть", http.StatusOK, string(buildJWKSetJSON(&key.PublicKey, testKeyID)), "ok"},
		{"нет ключей", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"невалидный JSON", http.StatusOK, `{`, "degraded"},
		{"ошибка IdP", http.StatusBadGateway, ``, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", time.Second)
			if err != nil {
				t.Fatalf("NewJWKSReadinessChecker: %v", err)
			}
			if got, msg := checker.CheckReady(); got != tt.want {
				t.Errorf("CheckReady() = %s (%s), ожидался %s", got, msg, tt.want)
			}
		})
	}
}
