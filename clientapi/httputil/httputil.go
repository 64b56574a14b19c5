// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/util"
)

// UnmarshalJSONRequest into the given interface pointer. Returns an error JSON response if
// there was a problem unmarshalling. Calling this function consumes the request body.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	// encoding/json allows invalid utf-8, matrix does not
	// https://matrix.org/docs/spec/client_server/r0.6.1#api-standards
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: mxerrors.New(mxerrors.Unknown, "internal server error").Body(),
		}
	}

	return UnmarshalJSON(body, iface)
}

func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: mxerrors.New(mxerrors.NotJSON, "Body contains invalid UTF-8").Body(),
		}
	}

	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: mxerrors.New(mxerrors.BadJSON, "The request body could not be decoded into valid JSON. "+err.Error()).Body(),
		}
	}
	return nil
}

// MatrixErrorResponse converts a *mxerrors.Error to a util.JSONResponse carrying
// the §7 HTTP status/errcode pair. Returns nil if err is not a *mxerrors.Error
// (caller should fall back to an internal error response).
func MatrixErrorResponse(err error) *util.JSONResponse {
	var merr *mxerrors.Error
	if !errors.As(err, &merr) {
		return nil
	}
	return &util.JSONResponse{
		Code: merr.HTTPStatus(),
		JSON: merr.Body(),
	}
}
