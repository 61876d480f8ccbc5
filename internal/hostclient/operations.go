package hostclient

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var cacheBustParam = regexp.MustCompile(`[?&]_cb=\d+`)

// RefreshBrowserSource fetches the configured browser source's current
// settings, strips any existing _cb=<digits> cache-bust parameter from its
// URL, appends a fresh one, and writes the settings back. Per spec §4.3,
// any failure is logged and returns false — it never aborts a caller's
// escalation sequence.
func (hc *HostClient) RefreshBrowserSource(ctx context.Context) bool {
	conn, err := hc.currentConn()
	if err != nil {
		hc.log.Warn().Err(err).Msg("RefreshBrowserSource: not connected")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	result, err := hc.call(callCtx, ReqGetInputSettings, func() (any, error) {
		return conn.call(callCtx, ReqGetInputSettings, map[string]any{"inputName": hc.cfg.BrowserSourceName})
	})
	if err != nil {
		return false
	}

	var settings inputSettingsData
	if err := json.Unmarshal(result.(json.RawMessage), &settings); err != nil {
		hc.log.Warn().Err(err).Msg("RefreshBrowserSource: failed to parse input settings")
		return false
	}

	url, _ := settings.InputSettings["url"].(string)
	url = cacheBustParam.ReplaceAllString(url, "")
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	settings.InputSettings["url"] = url + sep + "_cb=" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	_, err = hc.call(callCtx, ReqSetInputSettings, func() (any, error) {
		return conn.call(callCtx, ReqSetInputSettings, map[string]any{
			"inputName":     hc.cfg.BrowserSourceName,
			"inputSettings": settings.InputSettings,
			"overlay":       false,
		})
	})
	if err != nil {
		return false
	}

	hc.log.Info().Str("source", hc.cfg.BrowserSourceName).Msg("refreshed browser source")
	return true
}

// ToggleBrowserSource locates the configured source in the active scene,
// disables it, sleeps one second, then re-enables it.
func (hc *HostClient) ToggleBrowserSource(ctx context.Context) bool {
	conn, err := hc.currentConn()
	if err != nil {
		hc.log.Warn().Err(err).Msg("ToggleBrowserSource: not connected")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	item, err := hc.findSceneItem(callCtx, conn)
	if err != nil {
		hc.log.Warn().Err(err).Msg("ToggleBrowserSource: source not found in active scene")
		return false
	}

	if _, err := hc.call(callCtx, ReqSetSceneItemEnabled, func() (any, error) {
		return conn.call(callCtx, ReqSetSceneItemEnabled, map[string]any{
			"sceneItemId":      item.SceneItemID,
			"sceneItemEnabled": false,
		})
	}); err != nil {
		return false
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return false
	}

	if _, err := hc.call(callCtx, ReqSetSceneItemEnabled, func() (any, error) {
		return conn.call(callCtx, ReqSetSceneItemEnabled, map[string]any{
			"sceneItemId":      item.SceneItemID,
			"sceneItemEnabled": true,
		})
	}); err != nil {
		return false
	}

	hc.log.Info().Str("source", hc.cfg.BrowserSourceName).Msg("toggled browser source visibility")
	return true
}

// findSceneItem resolves the configured browser source within the host's
// currently active scene.
func (hc *HostClient) findSceneItem(ctx context.Context, conn *rpcConn) (sceneItem, error) {
	sceneResult, err := hc.call(ctx, ReqGetCurrentScene, func() (any, error) {
		return conn.call(ctx, ReqGetCurrentScene, nil)
	})
	if err != nil {
		return sceneItem{}, err
	}
	var scene currentSceneData
	if err := json.Unmarshal(sceneResult.(json.RawMessage), &scene); err != nil {
		return sceneItem{}, fmt.Errorf("hostclient: parse current scene: %w", err)
	}

	listResult, err := hc.call(ctx, ReqGetSceneItemList, func() (any, error) {
		return conn.call(ctx, ReqGetSceneItemList, map[string]any{"sceneName": scene.CurrentProgramSceneName})
	})
	if err != nil {
		return sceneItem{}, err
	}
	var list sceneItemListData
	if err := json.Unmarshal(listResult.(json.RawMessage), &list); err != nil {
		return sceneItem{}, fmt.Errorf("hostclient: parse scene item list: %w", err)
	}

	for _, item := range list.SceneItems {
		if item.SourceName == hc.cfg.BrowserSourceName {
			return item, nil
		}
	}
	return sceneItem{}, fmt.Errorf("hostclient: source %q not found in scene %q", hc.cfg.BrowserSourceName, scene.CurrentProgramSceneName)
}

// IsStreaming queries stream status. Any failure is treated as "not
// streaming", per spec §4.3.
func (hc *HostClient) IsStreaming(ctx context.Context) bool {
	conn, err := hc.currentConn()
	if err != nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	result, err := hc.call(callCtx, ReqGetStreamStatus, func() (any, error) {
		return conn.call(callCtx, ReqGetStreamStatus, nil)
	})
	if err != nil {
		return false
	}

	var status streamStatusData
	if err := json.Unmarshal(result.(json.RawMessage), &status); err != nil {
		return false
	}
	return status.OutputActive
}

// StartStreaming pre-checks that the stream is not already active and the
// browser source exists and is enabled in the active scene, then issues
// StartStream.
func (hc *HostClient) StartStreaming(ctx context.Context) bool {
	conn, err := hc.currentConn()
	if err != nil {
		hc.log.Warn().Err(err).Msg("StartStreaming: not connected")
		return false
	}

	if hc.IsStreaming(ctx) {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	item, err := hc.findSceneItem(callCtx, conn)
	if err != nil {
		hc.log.Warn().Err(err).Msg("StartStreaming: source not present in active scene")
		return false
	}

	enabledResult, err := hc.call(callCtx, ReqGetSceneItemEnabled, func() (any, error) {
		return conn.call(callCtx, ReqGetSceneItemEnabled, map[string]any{"sceneItemId": item.SceneItemID})
	})
	if err == nil {
		var enabled struct {
			SceneItemEnabled bool `json:"sceneItemEnabled"`
		}
		if jerr := json.Unmarshal(enabledResult.(json.RawMessage), &enabled); jerr == nil && !enabled.SceneItemEnabled {
			hc.log.Warn().Msg("StartStreaming: source disabled in active scene")
			return false
		}
	}

	if _, err := hc.call(callCtx, ReqStartStream, func() (any, error) {
		return conn.call(callCtx, ReqStartStream, nil)
	}); err != nil {
		return false
	}

	hc.log.Info().Msg("issued StartStream")
	return true
}

// StopStream issues StopStream.
func (hc *HostClient) StopStream(ctx context.Context) bool {
	conn, err := hc.currentConn()
	if err != nil {
		hc.log.Warn().Err(err).Msg("StopStream: not connected")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, hc.cfg.RequestTimeout())
	defer cancel()

	if _, err := hc.call(callCtx, ReqStopStream, func() (any, error) {
		return conn.call(callCtx, ReqStopStream, nil)
	}); err != nil {
		return false
	}
	return true
}
