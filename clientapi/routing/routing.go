// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing wires the client endpoints of SPEC_FULL.md §6 onto a
// gorilla/mux router, grounded on dendrite's clientapi/routing package
// layout (one file per resource, a Setup function registering every
// route) but calling straight into roomserver.Engine and storage.Database
// rather than through an internal RPC boundary, since federation (the
// reason dendrite keeps that indirection) is out of scope.
package routing

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	iauth "github.com/matrix-org/dendrite-core/clientapi/auth"
	chttputil "github.com/matrix-org/dendrite-core/clientapi/httputil"
	"github.com/matrix-org/dendrite-core/internal/httputil"
	iutil "github.com/matrix-org/dendrite-core/internal/util"
	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomserver"
	"github.com/matrix-org/dendrite-core/setup/config"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/matrix-org/util"
	gocache "github.com/patrickmn/go-cache"
)

// Services bundles everything a handler needs, grounded on dendrite's
// convention of threading a small dependency struct into each route
// closure rather than globals.
type Services struct {
	Cfg      *config.Config
	DB       storage.Database
	Engine   *roomserver.Engine
	Limits   *httputil.RateLimits
	txnCache *gocache.Cache
}

// NewServices wires the dependencies every handler needs, including the
// txnID dedup cache behind PUT .../send/{eventType}/{txnID}.
func NewServices(cfg *config.Config, db storage.Database, engine *roomserver.Engine, limits *httputil.RateLimits) *Services {
	return &Services{
		Cfg:      cfg,
		DB:       db,
		Engine:   engine,
		Limits:   limits,
		txnCache: gocache.New(10*time.Minute, 10*time.Minute),
	}
}

// Setup registers every SPEC_FULL.md §6 endpoint onto router.
func Setup(router *mux.Router, s *Services) {
	r0 := router.PathPrefix("/_matrix/client/r0").Subrouter()

	router.HandleFunc("/_matrix/client/versions", Versions).Methods(http.MethodGet)

	r0.HandleFunc("/register", s.unauthed(s.Register)).Methods(http.MethodPost)
	r0.HandleFunc("/login", s.unauthed(s.Login)).Methods(http.MethodPost)
	r0.HandleFunc("/logout", s.authed(s.Logout)).Methods(http.MethodPost)

	r0.HandleFunc("/createRoom", s.authed(s.CreateRoom)).Methods(http.MethodPost)
	r0.HandleFunc("/sync", s.authed(s.Sync)).Methods(http.MethodGet)

	r0.HandleFunc("/rooms/{roomID}/state", s.authed(s.GetState)).Methods(http.MethodGet)
	r0.HandleFunc("/rooms/{roomID}/state/{eventType}/{stateKey}", s.authed(s.GetStateEvent)).Methods(http.MethodGet)
	r0.HandleFunc("/rooms/{roomID}/state/{eventType}/{stateKey}", s.authed(s.PutStateEvent)).Methods(http.MethodPut)
	r0.HandleFunc("/rooms/{roomID}/state/{eventType}", s.authed(s.GetStateEventNoKey)).Methods(http.MethodGet)
	r0.HandleFunc("/rooms/{roomID}/state/{eventType}", s.authed(s.PutStateEventNoKey)).Methods(http.MethodPut)
	r0.HandleFunc("/rooms/{roomID}/send/{eventType}/{txnID}", s.authed(s.SendMessageEvent)).Methods(http.MethodPut)
	r0.HandleFunc("/rooms/{roomID}/messages", s.authed(s.Messages)).Methods(http.MethodGet)
	r0.HandleFunc("/rooms/{roomID}/members", s.authed(s.Members)).Methods(http.MethodGet)

	r0.HandleFunc("/rooms/{roomID}/invite", s.authed(s.Invite)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/join", s.authed(s.Join)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/leave", s.authed(s.Leave)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/kick", s.authed(s.Kick)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/ban", s.authed(s.Ban)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/unban", s.authed(s.Unban)).Methods(http.MethodPost)
	r0.HandleFunc("/rooms/{roomID}/typing/{userID}", s.authed(s.Typing)).Methods(http.MethodPut)

	r0.HandleFunc("/profile/{userID}/displayname", s.authed(s.SetDisplayName)).Methods(http.MethodPut)
	r0.HandleFunc("/profile/{userID}/displayname", s.unauthed(s.GetDisplayName)).Methods(http.MethodGet)

	r0.HandleFunc("/user/{userID}/account_data/{type}", s.authed(s.GetAccountData)).Methods(http.MethodGet)
	r0.HandleFunc("/user/{userID}/account_data/{type}", s.authed(s.PutAccountData)).Methods(http.MethodPut)
}

// Versions answers GET /_matrix/client/versions.
func Versions(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"versions": []string{"r0.6.1"}},
	})
}

// authed wraps an authenticated handler with token resolution and rate
// limiting keyed on the resolved device.
func (s *Services) authed(h func(*http.Request, storage.Device) util.JSONResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, err := iauth.Authenticate(r.Context(), s.DB, r)
		if err != nil {
			respondError(w, err)
			return
		}
		if resp := s.Limits.Limit(r, &device); resp != nil {
			httputil.RespondJSON(w, *resp)
			return
		}
		httputil.RespondJSON(w, h(r, device))
	}
}

// unauthed wraps a handler that needs no access token but is still
// rate-limited by caller IP (used for register, login and the GET
// displayname lookup).
func (s *Services) unauthed(h func(*http.Request) util.JSONResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp := s.Limits.Limit(r, nil); resp != nil {
			httputil.RespondJSON(w, *resp)
			return
		}
		httputil.RespondJSON(w, h(r))
	}
}

func respondError(w http.ResponseWriter, err error) {
	if resp := chttputil.MatrixErrorResponse(err); resp != nil {
		httputil.RespondJSON(w, *resp)
		return
	}
	httputil.RespondJSON(w, util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: mxerrors.New(mxerrors.Unknown, err.Error()).Body(),
	})
}

func normalizeDomain(s string) string { return iutil.NormalizeServerName(s) }
