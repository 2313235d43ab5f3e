package session

import (
	"markd/internal/anchor"
	"markd/internal/config"
)

// Event types broadcast to subscribers.
const (
	EventDocumentOpened    = "document-opened"
	EventDocumentClosed    = "document-closed"
	EventHighlightAdded    = "highlight-added"
	EventHighlightRestyled = "highlight-restyled"
	EventHighlightRemoved  = "highlight-removed"
	EventHighlightFocused  = "highlight-focused"
	EventHighlightBlurred  = "highlight-blurred"
	EventHighlightsCleared = "highlights-cleared"
	EventReloaded          = "reloaded"
	EventPrintRequested    = "print-requested"
	EventSettingsChanged   = "settings-changed"
)

// Event describes a change in an open document, or a daemon-wide change
// when Key is empty.
type Event struct {
	Type     string           `json:"type" msgpack:"type"`
	Key      string           `json:"key,omitempty" msgpack:"key,omitempty"`
	ID       string           `json:"id,omitempty" msgpack:"id,omitempty"`
	Color    string           `json:"color,omitempty" msgpack:"color,omitempty"`
	Count    int              `json:"count,omitempty" msgpack:"count,omitempty"`
	Position *anchor.Position `json:"position,omitempty" msgpack:"position,omitempty"`
	Settings *config.Settings `json:"settings,omitempty" msgpack:"settings,omitempty"`
}
