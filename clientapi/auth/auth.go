// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth implements D2/D3: bearer token extraction and password
// login/registration against storage.Database, grounded on dendrite's
// clientapi/auth package but collapsed to the single login type (password)
// SPEC_FULL.md requires — dendrite's pluggable LoginType registry (SSO,
// token, recaptcha) has no home here since those flows are Non-goals.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/storage"
	"golang.org/x/crypto/bcrypt"
)

// ExtractAccessToken returns the bearer token from the Authorization
// header, falling back to the legacy "access_token" query parameter.
func ExtractAccessToken(req *http.Request) (string, bool) {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	if tok := req.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}

// Authenticate resolves the request's access token to a device, or returns
// the §7 error to send back (MissingToken / UnknownToken).
func Authenticate(ctx context.Context, db storage.Database, req *http.Request) (storage.Device, error) {
	token, ok := ExtractAccessToken(req)
	if !ok {
		return storage.Device{}, mxerrors.New(mxerrors.MissingToken, "Missing access token")
	}
	device, ok, err := db.GetDeviceByToken(ctx, token)
	if err != nil {
		return storage.Device{}, mxerrors.Wrap(mxerrors.DBError, err, "failed to look up device")
	}
	if !ok {
		return storage.Device{}, mxerrors.New(mxerrors.UnknownToken, "Unknown access token")
	}
	return device, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage (D3).
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", mxerrors.Wrap(mxerrors.PasswordError, err, "failed to hash password")
	}
	return string(hash), nil
}

// CheckPassword verifies plaintext against a stored bcrypt hash.
func CheckPassword(hash, plaintext string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return mxerrors.New(mxerrors.Forbidden, "The username or password was incorrect")
	}
	return nil
}

// Login verifies localpart/password against db and returns the matching
// account, or a §7 Forbidden error.
func Login(ctx context.Context, db storage.Database, localpart, serverName, password string) (storage.Account, error) {
	account, ok, err := db.GetAccount(ctx, localpart, serverName)
	if err != nil {
		return storage.Account{}, mxerrors.Wrap(mxerrors.DBError, err, "failed to look up account")
	}
	if !ok {
		return storage.Account{}, mxerrors.New(mxerrors.Forbidden, "The username or password was incorrect")
	}
	if err := CheckPassword(account.PasswordHash, password); err != nil {
		return storage.Account{}, err
	}
	return account, nil
}

// NewAccessToken mints an opaque bearer token (spec.md §3 "token(UUID)").
func NewAccessToken() string {
	return uuid.NewString()
}

// NewDeviceID mints an opaque device identifier when the client does not
// supply one at login time.
func NewDeviceID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
