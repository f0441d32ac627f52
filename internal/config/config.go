// Package config manages the persisted operator-visible gateway settings.
// Settings are stored as JSON at <dir>/openclaw.json, where <dir> is
// supplied by the caller (the GUI/CLI layer owns the directory choice; this
// package only knows the file name and the defaulting rules).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// BindMode controls which interfaces the gateway process listens on.
type BindMode string

const (
	BindLoopback BindMode = "loopback"
	BindLAN      BindMode = "lan"
)

// State holds the persisted, defaulted view of gateway settings. Every field
// has a zero-cost default so a missing or malformed file never surfaces an
// error to the caller.
type State struct {
	IsEnabled         bool     `json:"isEnabled"`
	GatewayPort       int      `json:"gatewayPort"`
	GatewayURL        string   `json:"gatewayURL,omitempty"`
	GatewayHealthURL  string   `json:"gatewayHealthURL,omitempty"`
	BindMode          BindMode `json:"bindMode"`
	AutoStartGateway  bool     `json:"autoStartGateway"`
	AutoSyncMCPBridge bool     `json:"autoSyncMCPBridge"`
	InstallPath       string   `json:"installPath"`
	LastKnownVersion  string   `json:"lastKnownVersion,omitempty"`
}

// Default returns a State populated with the spec's defaults.
func Default() State {
	return State{
		IsEnabled:         false,
		GatewayPort:       18789,
		BindMode:          BindLoopback,
		AutoStartGateway:  true,
		AutoSyncMCPBridge: true,
		InstallPath:       "~/.openclaw",
	}
}

const fileName = "openclaw.json"

// Path returns the absolute path to the state file inside dir.
func Path(dir string) string {
	return filepath.Join(dir, fileName)
}

// Load reads the state file from dir and returns it. A missing file, an
// unreadable file, or malformed JSON all resolve to Default() — never an
// error — per the spec's "missing fields are defaults, malformed JSON is
// defaults" loader contract. Fields present in the file override the
// matching default; fields absent from the file keep their default value.
func Load(dir string) State {
	state := Default()
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return Default()
	}
	return state
}

// Save persists state to dir, creating the directory if needed.
func Save(dir string, state State) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(dir), data, 0o600)
}
