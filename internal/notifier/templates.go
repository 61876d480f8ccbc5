package notifier

import (
	"regexp"

	"github.com/Sponsorn/streamloop/internal/eventbus"
)

// defaultTemplates maps each event kind to its default `{placeholder}`
// template string. A config's Notifier.Templates map overrides individual
// entries by kind. Kinds are the eventbus.NotifyKind* constants so the
// publisher side (Recovery Engine, Host Client observer adapter) and the
// Notifier agree on spelling without a shared string literal.
var defaultTemplates = map[string]string{
	eventbus.NotifyKindError:          "Playback error {errorCode} on video {videoId} (index {videoIndex})",
	eventbus.NotifyKindSkip:           "Skipped video {videoId} (index {videoIndex}): {reason}",
	eventbus.NotifyKindRecovery:       "Recovery started: step {step}",
	eventbus.NotifyKindCritical:       "Critical: recovery escalation exhausted, manual intervention required",
	eventbus.NotifyKindResume:         "Recovery resolved, resumed playback of {videoId} (index {videoIndex})",
	eventbus.NotifyKindHostDisconnect: "Host control connection lost",
	eventbus.NotifyKindHostReconnect:  "Host control connection restored",
	eventbus.NotifyKindStreamDrop:     "Stream dropped, restart attempt {attempt}/{max} scheduled",
	eventbus.NotifyKindStreamRestart:  "Stream restarted successfully after {attempts} attempt(s)",
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// renderTemplate substitutes `{field}` tokens from fields into tmpl.
// Placeholders with no matching field are left literal, per spec §4.4.
func renderTemplate(tmpl string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		key := token[1 : len(token)-1]
		if v, ok := fields[key]; ok {
			return v
		}
		return token
	})
}

// templateFor resolves the effective template for kind: a config override
// if present, else the built-in default.
func templateFor(overrides map[string]string, kind string) string {
	if t, ok := overrides[kind]; ok && t != "" {
		return t
	}
	return defaultTemplates[kind]
}
