package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/engine"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/provider/providertest"
	"github.com/Martian-dev/mailsync/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, verifier *auth.JWTVerifier) (*Server, *providertest.Fake) {
	t.Helper()

	st, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := providertest.New()
	fake.SetFolders(mail.Folder{RemoteID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox})
	fake.SetListing("INBOX", "", provider.MessagePage{Messages: []mail.Message{{RemoteID: "m1", Subject: "hello"}}})
	body := "body text"
	fake.SetBody(mail.Message{RemoteID: "m1", Body: &body, BodyContentType: "text"})

	registry := provider.NewRegistry()
	registry.Register(mail.ProviderMicrosoft, func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		return fake, nil
	})

	cfg := &config.Config{
		Sync:   &config.SyncConfig{PageSize: 50, CallTimeout: time.Second, AutoSyncFolders: []string{"inbox"}},
		Upload: &config.UploadConfig{MaxAttempts: 3, BackoffMin: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond, BackoffFactor: 2, AccountConcurrency: 2},
	}
	e := engine.New(st, registry, zap.NewNop(), cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	return New(e, verifier, zap.NewNop(), "0"), fake
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestAccounts(t *testing.T) {
	s, _ := newServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/accounts", gin.H{"username": "ada@example.com", "provider": "microsoft"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	account := decode[mail.Account](t, w)
	assert.NotEmpty(t, account.ID)

	w = do(t, s, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Accounts []mail.Account `json:"accounts"`
	}](t, w)
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, "ada@example.com", list.Accounts[0].Username)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/accounts", gin.H{"provider": "microsoft"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/accounts", gin.H{"username": "x", "provider": "pigeon"}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/accounts/missing", nil).Code)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/accounts/"+account.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/accounts/"+account.ID, nil).Code)
}

func TestMessageFlow(t *testing.T) {
	s, fake := newServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/accounts", gin.H{"username": "ada@example.com", "provider": "microsoft"})
	require.Equal(t, http.StatusCreated, w.Code)
	account := decode[mail.Account](t, w)

	var inbox mail.Folder
	require.Eventually(t, func() bool {
		var folders struct {
			Folders []mail.Folder `json:"folders"`
		}
		w := do(t, s, http.MethodGet, "/api/v1/accounts/"+account.ID+"/folders", nil)
		if json.Unmarshal(w.Body.Bytes(), &folders) != nil || len(folders.Folders) != 1 {
			return false
		}
		inbox = folders.Folders[0]
		msgs := do(t, s, http.MethodGet, "/api/v1/folders/"+inbox.ID+"/messages", nil)
		return bytes.Contains(msgs.Body.Bytes(), []byte(`"hello"`))
	}, 5*time.Second, 10*time.Millisecond)

	w = do(t, s, http.MethodGet, "/api/v1/folders/"+inbox.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []mail.Message `json:"messages"`
	}](t, w)
	require.Len(t, page.Messages, 1)
	m := page.Messages[0]

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/messages/"+m.ID+"/read", gin.H{}).Code)
	w = do(t, s, http.MethodPost, "/api/v1/messages/"+m.ID+"/read", gin.H{"value": true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	action := decode[mail.PendingAction](t, w)
	assert.Equal(t, mail.ActionMarkRead, action.Type)

	require.Eventually(t, func() bool {
		var got mail.Message
		w := do(t, s, http.MethodGet, "/api/v1/messages/"+m.ID, nil)
		return json.Unmarshal(w.Body.Bytes(), &got) == nil && got.IsRead && got.SyncStatus == mail.SyncIdle
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, fake.Calls(), providertest.Call{Method: "MarkRead", RemoteID: "m1", Arg: "true"})

	w = do(t, s, http.MethodGet, "/api/v1/messages/"+m.ID+"/body", nil)
	require.Equal(t, http.StatusOK, w.Code)
	full := decode[mail.Message](t, w)
	require.NotNil(t, full.Body)
	assert.Equal(t, "body text", *full.Body)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/messages/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/actions/abc/retry", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/folders/"+inbox.ID+"/messages?offset=-1", nil).Code)

	w = do(t, s, http.MethodGet, "/api/v1/states", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), account.ID)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newServer(t, nil)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mailsync_active_jobs")
}

func TestRequiresBearerWhenVerifierSet(t *testing.T) {
	s, _ := newServer(t, auth.NewStaticVerifier(jwk.NewSet()))

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/v1/accounts", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}
