package routing

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matrix-org/dendrite-core/internal/httputil"
	"github.com/matrix-org/dendrite-core/roomserver"
	"github.com/matrix-org/dendrite-core/setup/config"
	"github.com/matrix-org/dendrite-core/stateres"
	"github.com/matrix-org/dendrite-core/storage/memory"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	cfg := &config.Config{Domain: "test.example.org"}
	cfg.Defaults()
	db := memory.New()
	engine := roomserver.New(db, stateres.NewResolver(db))
	limits := httputil.NewRateLimits(&cfg.RateLimiting)
	t.Cleanup(limits.Stop)

	s := NewServices(cfg, db, engine, limits)
	router := mux.NewRouter()
	Setup(router, s)
	return router
}

func doRequest(router *mux.Router, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, router *mux.Router, username, password string) (userID, token string) {
	t.Helper()
	rec := doRequest(router, http.MethodPost, "/_matrix/client/r0/register", map[string]string{
		"username": username, "password": password,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("register %s: got %d: %s", username, rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.UserID, resp.AccessToken
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	router := newTestRouter(t)
	userID, token := registerUser(t, router, "alice", "hunter2")
	if userID != "@alice:test.example.org" {
		t.Fatalf("unexpected user_id %q", userID)
	}
	if token == "" {
		t.Fatal("expected non-empty access_token")
	}

	rec := doRequest(router, http.MethodPost, "/_matrix/client/r0/login", map[string]string{
		"user": "alice", "password": "hunter2",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(router, http.MethodPost, "/_matrix/client/r0/login", map[string]string{
		"user": "alice", "password": "wrong",
	}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("login with wrong password: got %d", rec.Code)
	}
}

func TestRegisterDuplicateUsernameRejected(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "bob", "password")
	rec := doRequest(router, http.MethodPost, "/_matrix/client/r0/register", map[string]string{
		"username": "bob", "password": "password2",
	}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for duplicate username, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRoomAndSendMessage(t *testing.T) {
	router := newTestRouter(t)
	_, token := registerUser(t, router, "carol", "password")

	rec := doRequest(router, http.MethodPost, "/_matrix/client/r0/createRoom", map[string]interface{}{
		"preset": "private_chat", "name": "Test Room",
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("createRoom: got %d: %s", rec.Code, rec.Body.String())
	}
	var created createRoomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode createRoom response: %v", err)
	}

	sendPath := "/_matrix/client/r0/rooms/" + created.RoomID + "/send/m.room.message/txn1"
	rec = doRequest(router, http.MethodPut, sendPath, map[string]string{"msgtype": "m.text", "body": "hi"}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("send message: got %d: %s", rec.Code, rec.Body.String())
	}
	var firstSend map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &firstSend)

	// Resending the same txnID must not mint a second event.
	rec = doRequest(router, http.MethodPut, sendPath, map[string]string{"msgtype": "m.text", "body": "hi"}, token)
	var secondSend map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &secondSend)
	if firstSend["event_id"] != secondSend["event_id"] {
		t.Fatalf("txn replay minted a new event: %q != %q", firstSend["event_id"], secondSend["event_id"])
	}
}

func TestSyncReturnsJoinedRoom(t *testing.T) {
	router := newTestRouter(t)
	_, token := registerUser(t, router, "dave", "password")

	rec := doRequest(router, http.MethodPost, "/_matrix/client/r0/createRoom", map[string]interface{}{"preset": "private_chat"}, token)
	var created createRoomResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(router, http.MethodGet, "/_matrix/client/r0/sync", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: got %d: %s", rec.Code, rec.Body.String())
	}
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	joined, ok := resp.Rooms.Join[created.RoomID]
	if !ok {
		t.Fatalf("expected room %s in rooms.join, got %+v", created.RoomID, resp.Rooms.Join)
	}
	if joined.Summary.JoinedMemberCount != 1 {
		t.Fatalf("expected 1 joined member, got %d", joined.Summary.JoinedMemberCount)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/_matrix/client/r0/sync", nil, "")
	if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
		t.Fatalf("expected an auth failure status, got %d: %s", rec.Code, rec.Body.String())
	}
}
