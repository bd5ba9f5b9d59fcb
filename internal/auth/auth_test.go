package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

var testAccount = mail.Account{ID: "a1", Username: "ada@example.com", Provider: mail.ProviderGoogle}

func TestBetterAuthClient_Token(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/accounts/google/token", r.URL.Path)
		assert.Equal(t, "ada@example.com", r.URL.Query().Get("account"))
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_at":4102444800}`))
	}))
	defer srv.Close()

	c := NewBetterAuthClient(srv.URL+"/", "svc", zap.NewNop())
	tok, err := c.Token(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, int64(4102444800), tok.Expiry.Unix())
}

func TestBetterAuthClient_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		class  mailerr.Class
	}{
		{http.StatusUnauthorized, mailerr.ClassAuth},
		{http.StatusNotFound, mailerr.ClassAuth},
		{http.StatusServiceUnavailable, mailerr.ClassTransient},
		{http.StatusBadRequest, mailerr.ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := NewBetterAuthClient(srv.URL, "", zap.NewNop()).Token(context.Background(), testAccount)
			require.Error(t, err)
			assert.Equal(t, tc.class, mailerr.Classify(err))
		})
	}
}

func TestBetterAuthClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewBetterAuthClient(url, "", zap.NewNop()).Token(context.Background(), testAccount)
	require.Error(t, err)
	assert.True(t, mailerr.IsRetryable(err))
}

type countingSource struct {
	calls int
}

func (s *countingSource) Token(ctx context.Context, account mail.Account) (*oauth2.Token, error) {
	s.calls++
	return &oauth2.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestTokenSource_ReusesValidToken(t *testing.T) {
	src := &countingSource{}
	ts := TokenSource(src, testAccount)

	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "at", tok.AccessToken)
	}
	assert.Equal(t, 1, src.calls)
}

func newSigner(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func sign(t *testing.T, key jwk.Key, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Claim("email", "ada@example.com").
		Claim("name", "Ada").
		IssuedAt(time.Now()).
		Expiration(exp).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestJWTVerifier_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	key, set := newSigner(t)
	v := NewStaticVerifier(set)

	r := gin.New()
	r.GET("/me", v.Middleware(), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, p)
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + sign(t, key, "user-1", time.Now().Add(time.Hour)), http.StatusOK},
		{"expired", "Bearer " + sign(t, key, "user-1", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"no subject", "Bearer " + sign(t, key, "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.JSONEq(t, `{"id":"user-1","email":"ada@example.com","name":"Ada"}`, w.Body.String())
			}
		})
	}

	assert.Equal(t, 1, v.Stats().KeysCached)
}
