package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	chttputil "github.com/matrix-org/dendrite-core/clientapi/httputil"
	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/roomserver"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/matrix-org/util"
)

type createRoomRequest struct {
	Preset      string                 `json:"preset"`
	Name        string                 `json:"name"`
	Topic       string                 `json:"topic"`
	Invite      []string               `json:"invite"`
	Visibility  string                 `json:"visibility"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateRoom implements POST /createRoom, driving roomserver.Engine's
// bootstrap path (spec.md §4.6, scenario 1).
func (s *Services) CreateRoom(r *http.Request, device storage.Device) util.JSONResponse {
	var req createRoomRequest
	if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
		return *resp
	}
	preset := req.Preset
	if preset == "" {
		if req.Visibility == "public" {
			preset = "public_chat"
		} else {
			preset = "private_chat"
		}
	}
	roomID := "!" + uuid.NewString() + ":" + normalizeDomain(s.Cfg.Domain)

	_, err := s.Engine.CreateRoom(r.Context(), roomID, device.UserID, roomserver.CreateRoomOptions{
		Preset: preset, Name: req.Name, Topic: req.Topic, Invite: req.Invite,
	})
	if err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: createRoomResponse{RoomID: roomID}}
}

// GetState implements GET /rooms/{roomID}/state: the room's full resolved
// state as a flat client-format event list.
func (s *Services) GetState(r *http.Request, _ storage.Device) util.JSONResponse {
	roomID := mux.Vars(r)["roomID"]
	pdus, err := s.DB.GetFullState(r.Context(), roomID)
	if err != nil {
		return errResponse(err)
	}
	events := make([]roomevents.ClientEvent, 0, len(pdus))
	for _, pdu := range pdus {
		events = append(events, pdu.ToClientEvent())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: events}
}

// GetStateEventNoKey implements GET /rooms/{roomID}/state/{eventType} (the
// empty state_key form).
func (s *Services) GetStateEventNoKey(r *http.Request, device storage.Device) util.JSONResponse {
	return s.getStateEvent(r, mux.Vars(r)["roomID"], mux.Vars(r)["eventType"], "")
}

// GetStateEvent implements GET /rooms/{roomID}/state/{eventType}/{stateKey}.
func (s *Services) GetStateEvent(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	return s.getStateEvent(r, vars["roomID"], vars["eventType"], vars["stateKey"])
}

func (s *Services) getStateEvent(r *http.Request, roomID, eventType, stateKey string) util.JSONResponse {
	pdu, ok, err := s.DB.GetStateEvent(r.Context(), roomID, eventType, stateKey)
	if err != nil {
		return errResponse(err)
	}
	if !ok {
		return mxResp(mxerrors.NotFound, "Event not found")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: json.RawMessage(pdu.Content)}
}

// PutStateEventNoKey implements PUT /rooms/{roomID}/state/{eventType}.
func (s *Services) PutStateEventNoKey(r *http.Request, device storage.Device) util.JSONResponse {
	return s.putStateEvent(r, device, mux.Vars(r)["roomID"], mux.Vars(r)["eventType"], "")
}

// PutStateEvent implements PUT /rooms/{roomID}/state/{eventType}/{stateKey}.
func (s *Services) PutStateEvent(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	return s.putStateEvent(r, device, vars["roomID"], vars["eventType"], vars["stateKey"])
}

func (s *Services) putStateEvent(r *http.Request, device storage.Device, roomID, eventType, stateKey string) util.JSONResponse {
	body, err := readRawBody(r)
	if err != nil {
		return errResponse(err)
	}
	sk := stateKey
	pdu, err := s.Engine.AddEvent(r.Context(), roomID, roomserver.Draft{
		Sender: device.UserID, Type: eventType, StateKey: &sk, Content: body,
	})
	if err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": pdu.ClientEventID()}}
}

// SendMessageEvent implements PUT /rooms/{roomID}/send/{eventType}/{txnID},
// idempotent on txnID per spec.md §7 TxnIdExists: a repeated txnID from the
// same device returns the event_id minted the first time rather than
// minting a duplicate event.
func (s *Services) SendMessageEvent(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	roomID, eventType, txnID := vars["roomID"], vars["eventType"], vars["txnID"]
	key := device.ID + "|" + txnID

	if cached, ok := s.txnCache.Get(key); ok {
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": cached.(string)}}
	}

	body, err := readRawBody(r)
	if err != nil {
		return errResponse(err)
	}
	pdu, err := s.Engine.AddEvent(r.Context(), roomID, roomserver.Draft{
		Sender: device.UserID, Type: eventType, Content: body,
	})
	if err != nil {
		return errResponse(err)
	}
	s.txnCache.SetDefault(key, pdu.ClientEventID())
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": pdu.ClientEventID()}}
}

// Members implements GET /rooms/{roomID}/members.
func (s *Services) Members(r *http.Request, _ storage.Device) util.JSONResponse {
	roomID := mux.Vars(r)["roomID"]
	pdus, err := s.DB.GetFullState(r.Context(), roomID)
	if err != nil {
		return errResponse(err)
	}
	events := make([]roomevents.ClientEvent, 0)
	for _, pdu := range pdus {
		if pdu.Type == roomevents.TypeMember {
			events = append(events, pdu.ToClientEvent())
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"chunk": events}}
}

// Messages implements GET /rooms/{roomID}/messages via QueryPDUs' Timeline shape.
func (s *Services) Messages(r *http.Request, _ storage.Device) util.JSONResponse {
	roomID := mux.Vars(r)["roomID"]
	pdus, _, err := s.DB.QueryPDUs(r.Context(), storage.EventQuery{Shape: storage.QueryTimeline, RoomID: roomID}, false, 0)
	if err != nil {
		return errResponse(err)
	}
	events := make([]roomevents.ClientEvent, 0, len(pdus))
	for _, pdu := range pdus {
		events = append(events, pdu.ToClientEvent())
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"chunk": events}}
}

type membershipTargetRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Invite implements POST /rooms/{roomID}/invite.
func (s *Services) Invite(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, "", roomevents.MembershipInvite)
}

// Join implements POST /rooms/{roomID}/join.
func (s *Services) Join(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, device.UserID, roomevents.MembershipJoin)
}

// Leave implements POST /rooms/{roomID}/leave.
func (s *Services) Leave(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, device.UserID, roomevents.MembershipLeave)
}

// Kick implements POST /rooms/{roomID}/kick.
func (s *Services) Kick(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, "", roomevents.MembershipLeave)
}

// Ban implements POST /rooms/{roomID}/ban.
func (s *Services) Ban(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, "", roomevents.MembershipBan)
}

// Unban implements POST /rooms/{roomID}/unban (member -> leave, per the
// Matrix client-server convention that unban is expressed as a leave).
func (s *Services) Unban(r *http.Request, device storage.Device) util.JSONResponse {
	return s.membershipAction(r, device, "", roomevents.MembershipLeave)
}

func (s *Services) membershipAction(r *http.Request, device storage.Device, defaultTarget, membership string) util.JSONResponse {
	roomID := mux.Vars(r)["roomID"]
	target := defaultTarget
	var req membershipTargetRequest
	if r.ContentLength != 0 {
		if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
			return *resp
		}
	}
	if req.UserID != "" {
		target = req.UserID
	}
	if target == "" {
		return mxResp(mxerrors.MissingParam, "user_id is required")
	}

	content, err := json.Marshal(roomevents.MemberContent{Membership: membership})
	if err != nil {
		return errResponse(err)
	}
	sk := target
	if _, err := s.Engine.AddEvent(r.Context(), roomID, roomserver.Draft{
		Sender: device.UserID, Type: roomevents.TypeMember, StateKey: &sk, Content: content,
	}); err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// Typing implements PUT /rooms/{roomID}/typing/{userID}: ephemeral state,
// served by storage.Database.SetTyping (the in-memory backend only, per
// SPEC_FULL.md's division of labor between backends).
func (s *Services) Typing(r *http.Request, device storage.Device) util.JSONResponse {
	vars := mux.Vars(r)
	if vars["userID"] != device.UserID {
		return mxResp(mxerrors.Forbidden, "Cannot set another user's typing state")
	}
	var req struct {
		Typing  bool  `json:"typing"`
		Timeout int64 `json:"timeout"`
	}
	if resp := chttputil.UnmarshalJSONRequest(r, &req); resp != nil {
		return *resp
	}
	if err := s.DB.SetTyping(r.Context(), vars["roomID"], device.UserID, req.Typing, msToDuration(req.Timeout)); err != nil {
		return errResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

func readRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if resp := chttputil.UnmarshalJSONRequest(r, &raw); resp != nil {
		return nil, mxerrors.New(mxerrors.BadJSON, "invalid request body")
	}
	return raw, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
