package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/ids"
)

func testAccount(t *testing.T) ids.Account {
	a, err := ids.ParseAccount("eip155:1:0xAbC0000000000000000000000000000000dEaD")
	require.NoError(t, err)
	return a
}

func TestPrepareAndRegisterRoundTrip(t *testing.T) {
	registered := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			registered = true
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if registered {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodDelete:
			registered = false
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL)
	ctx := t.Context()
	account := testAccount(t)

	payload, msg, err := svc.PrepareRegistration(ctx, account, "example.com", false)
	require.NoError(t, err)
	require.Contains(t, msg, "example.com")
	require.True(t, svc.HasIdentity(ctx, account))

	pub, err := svc.RegisterIdentity(ctx, account, payload, "deadbeef")
	require.NoError(t, err)
	require.NotEmpty(t, pub)

	require.True(t, svc.IsRegistered(ctx, account))

	require.NoError(t, svc.UnregisterIdentity(ctx, account))
	require.False(t, svc.HasIdentity(ctx, account))
}

func TestIsRegisteredFalseWithoutIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL)
	require.False(t, svc.IsRegistered(t.Context(), testAccount(t)))
}
