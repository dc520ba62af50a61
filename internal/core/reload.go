package core

import (
	"fmt"
	"reflect"
)

// Reload re-reads the config file, validates it and applies every
// hot-reloadable setting through the registered reload hooks. An invalid
// file, or one a hook's Check refuses, is rejected and the running
// configuration is kept. Server address, bus and logging settings are
// carried over from the running configuration; changing them is reported
// as needing a restart.
//
// Hot-reloadable (through hooks): threat thresholds and rules, sanitizer
// limits, transaction and crypto limits, breaker settings, monitor interval
// and window, notification URLs, quarantine retention, MFA and emergency
// settings. API keys and CORS origins apply on the next request.
func Reload(e *Engine, path string) ([]string, error) {
	if path == "" {
		return nil, NewError(KindConfig, "config.reload", "no config path set", nil)
	}
	next, err := LoadConfig(path)
	if err != nil {
		e.Logger.Error().Err(err).Str("path", path).Msg("config reload rejected, keeping running configuration")
		return nil, err
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	for _, h := range e.hooks {
		if h.Check == nil {
			continue
		}
		if err := h.Check(next); err != nil {
			e.Logger.Error().Err(err).Str("hook", h.Name).Msg("config reload rejected, keeping running configuration")
			return nil, NewError(KindConfig, "config.reload", "checking "+h.Name, err)
		}
	}

	old := e.Config()
	var changes []string

	if !reflect.DeepEqual(old.Bus, next.Bus) {
		changes = append(changes, "bus settings changed (restart required)")
	}
	if old.Server.Host != next.Server.Host || old.Server.Port != next.Server.Port {
		changes = append(changes, "server address changed (restart required)")
	}
	if old.Logging != next.Logging {
		changes = append(changes, "logging settings changed (restart required)")
	}
	next.Bus = old.Bus
	next.Server.Host = old.Server.Host
	next.Server.Port = old.Server.Port
	next.Logging = old.Logging

	if !reflect.DeepEqual(old.Server.APIKeys, next.Server.APIKeys) {
		changes = append(changes, fmt.Sprintf("server.api_keys → %d keys", len(next.Server.APIKeys)))
	}
	if !reflect.DeepEqual(old.Server.CORSOrigins, next.Server.CORSOrigins) {
		changes = append(changes, "server.cors_origins reloaded")
	}

	for _, h := range e.hooks {
		if h.Apply != nil {
			changes = append(changes, h.Apply(old, next)...)
		}
	}
	e.setConfig(next)

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}
	e.Audit.Record("config_reload").Str("path", path).Strs("changes", changes).Msg("configuration reloaded")
	e.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}
