// Package hostclient wraps the streaming host's JSON-RPC control socket:
// connect/reconnect with exponential back-off, optional host-process
// launch, browser-source and stream-lifecycle RPCs, a stream-drop
// restart sub-state-machine, and a periodic stream health monitor.
// Grounded on the teacher's internal/sync/jellyfin_websocket.go
// reconnect-loop shape and internal/sync/circuit_breaker.go's
// sony/gobreaker wrapping of outbound calls.
package hostclient

import (
	"github.com/goccy/go-json"

	"github.com/Sponsorn/streamloop/internal/eventbus"
)

// RPC request names required by spec §6.
const (
	ReqGetInputSettings     = "GetInputSettings"
	ReqSetInputSettings     = "SetInputSettings"
	ReqGetCurrentScene      = "GetCurrentProgramScene"
	ReqGetSceneItemList     = "GetSceneItemList"
	ReqGetSceneItemEnabled  = "GetSceneItemEnabled"
	ReqSetSceneItemEnabled  = "SetSceneItemEnabled"
	ReqGetStreamStatus      = "GetStreamStatus"
	ReqStartStream          = "StartStream"
	ReqStopStream           = "StopStream"
)

// EventStreamStateChanged is the required host event name (spec §6).
const EventStreamStateChanged = "StreamStateChanged"

// Output states carried by a StreamStateChanged event.
const (
	OutputStarted = eventbus.StreamStateStarted
	OutputStopped = eventbus.StreamStateStopped
)

// rpcRequest is the envelope sent to the host for every request.
type rpcRequest struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type rpcStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// rpcEnvelope discriminates between a response and an event on read: a
// response carries requestId, an event carries eventType but no requestId.
type rpcEnvelope struct {
	RequestID     string          `json:"requestId,omitempty"`
	RequestType   string          `json:"requestType,omitempty"`
	RequestStatus *rpcStatus      `json:"requestStatus,omitempty"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
	EventType     string          `json:"eventType,omitempty"`
	EventData     json.RawMessage `json:"eventData,omitempty"`
}

// streamStateChangedData mirrors the host's StreamStateChanged payload.
type streamStateChangedData struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}

// sceneItemRef identifies a source within the active scene.
type sceneItemRef struct {
	SceneItemID int    `json:"sceneItemId"`
	SourceName  string `json:"sourceName"`
}

// inputSettingsData is the shape of GetInputSettings/SetInputSettings
// request/response data for a browser source.
type inputSettingsData struct {
	InputName     string         `json:"inputName"`
	InputSettings map[string]any `json:"inputSettings"`
}

// streamStatusData is the GetStreamStatus response shape.
type streamStatusData struct {
	OutputActive bool `json:"outputActive"`
}

// sceneItemListData is the GetSceneItemList response shape.
type sceneItemListData struct {
	SceneItems []sceneItem `json:"sceneItems"`
}

type sceneItem struct {
	SceneItemID int    `json:"sceneItemId"`
	SourceName  string `json:"sourceName"`
	SceneItemEnabled bool `json:"sceneItemEnabled"`
}

type currentSceneData struct {
	CurrentProgramSceneName string `json:"currentProgramSceneName"`
}
