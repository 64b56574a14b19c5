package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/dendrite-core/clientapi/auth"
	chttputil "github.com/matrix-org/dendrite-core/clientapi/httputil"
	iutil "github.com/matrix-org/dendrite-core/internal/util"
	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Register implements POST /register (password flow only — dendrite's
// multi-stage UIA/SSO/recaptcha flows are a Non-goal here).
func (s *Services) Register(r *http.Request) util.JSONResponse {
	var req registerRequest
	if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
		return *resp
	}
	localpart := iutil.NormalizeLocalpart(req.Username)
	if localpart == "" {
		return mxResp(mxerrors.MissingParam, "username is required")
	}
	if req.Password == "" {
		return mxResp(mxerrors.MissingParam, "password is required")
	}
	domain := normalizeDomain(s.Cfg.Domain)

	if _, exists, err := s.DB.GetAccount(r.Context(), localpart, domain); err != nil {
		return errResponse(err)
	} else if exists {
		return mxResp(mxerrors.UsernameTaken, "Username is already taken")
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return errResponse(err)
	}
	account, err := s.DB.CreateUser(r.Context(), localpart, domain, hash)
	if err != nil {
		return errResponse(err)
	}

	userID := "@" + account.Localpart + ":" + account.ServerName
	device, err := s.DB.CreateDevice(r.Context(), userID, auth.NewAccessToken(), "")
	if err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: registerResponse{
		UserID: userID, AccessToken: device.AccessToken, DeviceID: device.ID,
	}}
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Identifier               loginIdentifier `json:"identifier"`
	User                     string          `json:"user"`
	Password                 string          `json:"password"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name"`
	DeviceID                 string          `json:"device_id"`
}

func (l loginRequest) username() string {
	if l.User != "" {
		return l.User
	}
	return l.Identifier.User
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login implements POST /login (m.login.password only).
func (s *Services) Login(r *http.Request) util.JSONResponse {
	var req loginRequest
	if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
		return *resp
	}
	username := req.username()
	if username == "" || req.Password == "" {
		return mxResp(mxerrors.MissingParam, "user and password are required")
	}
	localpart := iutil.NormalizeLocalpart(username)
	domain := normalizeDomain(s.Cfg.Domain)

	account, err := auth.Login(r.Context(), s.DB, localpart, domain, req.Password)
	if err != nil {
		return errResponse(err)
	}

	userID := "@" + account.Localpart + ":" + account.ServerName
	device, err := s.DB.CreateDevice(r.Context(), userID, auth.NewAccessToken(), req.InitialDeviceDisplayName)
	if err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: loginResponse{
		UserID: userID, AccessToken: device.AccessToken, DeviceID: device.ID,
	}}
}

// Logout implements POST /logout: revokes the calling device's token.
func (s *Services) Logout(r *http.Request, device storage.Device) util.JSONResponse {
	if err := s.DB.DeleteDevice(r.Context(), device.AccessToken); err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

type displayNameRequest struct {
	DisplayName string `json:"displayname"`
}

// SetDisplayName implements PUT /profile/{userID}/displayname.
func (s *Services) SetDisplayName(r *http.Request, device storage.Device) util.JSONResponse {
	userID := mux.Vars(r)["userID"]
	if userID != device.UserID {
		return mxResp(mxerrors.Forbidden, "Cannot set another user's profile")
	}
	var req displayNameRequest
	if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
		return *resp
	}
	localpart, domain := splitUserID(userID)
	account, ok, err := s.DB.GetAccount(r.Context(), localpart, domain)
	if err != nil {
		return errResponse(err)
	}
	if !ok {
		return mxResp(mxerrors.UserNotFound, "Unknown user")
	}
	account.Profile.DisplayName = req.DisplayName
	if err := s.DB.SetProfile(r.Context(), localpart, domain, account.Profile); err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// GetDisplayName implements GET /profile/{userID}/displayname.
func (s *Services) GetDisplayName(r *http.Request) util.JSONResponse {
	userID := mux.Vars(r)["userID"]
	localpart, domain := splitUserID(userID)
	account, ok, err := s.DB.GetAccount(r.Context(), localpart, domain)
	if err != nil {
		return errResponse(err)
	}
	if !ok {
		return mxResp(mxerrors.UserNotFound, "Unknown user")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: displayNameRequest{DisplayName: account.Profile.DisplayName}}
}

// GetAccountData implements GET /user/{userID}/account_data/{type}.
func (s *Services) GetAccountData(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	if vars["userID"] != device.UserID {
		return mxResp(mxerrors.Forbidden, "Cannot read another user's account data")
	}
	content, ok, err := s.DB.GetAccountData(r.Context(), device.UserID, vars["type"])
	if err != nil {
		return errResponse(err)
	}
	if !ok {
		return mxResp(mxerrors.NotFound, "Account data not set")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: content}
}

// PutAccountData implements PUT /user/{userID}/account_data/{type}.
func (s *Services) PutAccountData(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	if vars["userID"] != device.UserID {
		return mxResp(mxerrors.Forbidden, "Cannot write another user's account data")
	}
	body := make(map[string]interface{})
	if resp := chttputil.UnmarshalJSONRequest(r, &body); resp != nil {
		return *resp
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return errResponse(err)
	}
	if err := s.DB.SetAccountData(r.Context(), device.UserID, vars["type"], raw); err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

func errResponse(err error) util.JSONResponse {
	if resp := chttputil.MatrixErrorResponse(err); resp != nil {
		return *resp
	}
	return util.JSONResponse{Code: http.StatusInternalServerError, JSON: mxerrors.New(mxerrors.Unknown, err.Error()).Body()}
}

// mxResp builds a util.JSONResponse whose status code is derived from kind
// rather than hand-picked at each call site, so it can never drift from the
// §7 Kind->HTTP status mapping in mxerrors.
func mxResp(kind mxerrors.Kind, message string) util.JSONResponse {
	merr := mxerrors.New(kind, message)
	return util.JSONResponse{Code: merr.HTTPStatus(), JSON: merr.Body()}
}

func splitUserID(userID string) (localpart, domain string) {
	if len(userID) == 0 || userID[0] != '@' {
		return userID, ""
	}
	rest := userID[1:]
	for i, c := range rest {
		if c == ':' {
			return iutil.NormalizeLocalpart(rest[:i]), rest[i+1:]
		}
	}
	return iutil.NormalizeLocalpart(rest), ""
}
