package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	jwttoken "contactr/internal/jwt_token"
	"contactr/pkg/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenFor(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	return token
}

func wsURL(token string) *url.URL {
	u := &url.URL{Scheme: "ws", Host: "relay.test", Path: "/ws"}
	if token != "" {
		u.RawQuery = url.Values{TokenQueryParam: []string{token}}.Encode()
	}
	return u
}

func newTestAdmitter(registry *Registry, opts ...AdmitterOption) *Admitter {
	return NewAdmitter(jwttoken.NewClaimsExtractor(), registry, discardLogger(), opts...)
}

// admitUser admits a connection for email over a fresh fake transport.
func admitUser(t *testing.T, a *Admitter, email string) (*Connection, *testutil.FakeTransport) {
	t.Helper()
	transport := testutil.NewFakeTransport()
	conn, err := a.Admit(context.Background(), transport, wsURL(tokenFor(t, jwt.MapClaims{"email": email})))
	require.NoError(t, err)
	return conn, transport
}

func waitForFrames(t *testing.T, transport *testutil.FakeTransport, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(transport.Frames()) >= n
	}, time.Second, 5*time.Millisecond, "expected at least %d frames", n)
	return transport.Frames()
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(frame, &out))
	return out
}
