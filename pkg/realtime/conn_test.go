package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

type staticVerifier struct {
	credential string
	principal  *token.Principal
}

func (v staticVerifier) Verify(_ context.Context, accessToken string) (*token.Principal, error) {
	if accessToken != v.credential {
		return nil, token.ErrInvalid
	}
	cp := *v.principal
	return &cp, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandshakeEchoesTokenSubprotocol(t *testing.T) {
	h := testHub(t)
	verifier := staticVerifier{
		credential: "valid-credential",
		principal:  &token.Principal{ID: "u1", Username: "alice", IsActive: true},
	}
	srv := httptest.NewServer(Handler(h, verifier, zap.NewNop()))
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"token.valid-credential"}}
	ws, resp, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The server must select the offered subprotocol or browsers drop the
	// connection right after the handshake.
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "token.valid-credential" {
		t.Errorf("negotiated subprotocol header = %q", got)
	}
	if got := ws.Subprotocol(); got != "token.valid-credential" {
		t.Errorf("Subprotocol() = %q", got)
	}

	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if msg.Type != TypeConnectionStatus {
		t.Errorf("first frame type = %s", msg.Type)
	}
}

func TestHandshakeRejectsBadSubprotocolCredential(t *testing.T) {
	h := testHub(t)
	verifier := staticVerifier{
		credential: "valid-credential",
		principal:  &token.Principal{ID: "u1", Username: "alice", IsActive: true},
	}
	srv := httptest.NewServer(Handler(h, verifier, zap.NewNop()))
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"token.forged"}}
	ws, _, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var msg Message
	readErr := ws.ReadJSON(&msg)
	if readErr == nil {
		t.Fatalf("connection survived with a forged credential: %+v", msg)
	}
	if !websocket.IsCloseError(readErr, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", readErr)
	}
}
