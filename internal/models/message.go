package models

import "time"

// Coordinator message kinds exchanged with connected pages.
const (
	// Engine → pages: a new version finished installing and is waiting.
	MsgUpdateAvailable = "update-available"
	// Page → engine: activate the waiting version now.
	MsgSkipWaiting = "skip-waiting"
	// Engine → pages: the waiting version became active; prompt a reload.
	MsgUpdated = "updated"
	// Page → engine: ask for the active version identifier.
	MsgGetVersion = "get-version"
	// Engine → page: reply to get-version.
	MsgVersion = "version"
)

// Message is the wire format of the update coordinator. Version is only set
// on update-available, updated, and version replies.
type Message struct {
	Type      string    `json:"type"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}
