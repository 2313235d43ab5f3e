// Package ipc carries markd commands between the daemon and its clients.
//
// Messages are framed with a fixed 16-byte header followed by a payload
// encoded as MessagePack, or as JSON when FlagJSON is set. A response
// always uses the encoding of the request it answers. Besides
// request/response pairs, subscribed clients receive document events as
// MsgEvent messages.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"markd/internal/anchor"
	"markd/internal/backup"
	"markd/internal/config"
	"markd/internal/highlight"
	"markd/internal/session"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4D41524B // "MARK"
)

// MaxPayload bounds the payload of a single message.
const MaxPayload = 64 * 1024 * 1024

// MessageType identifies the type of an IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgReady          MessageType = 0x0102
	MsgReadyResp      MessageType = 0x0103

	// Documents (0x02xx)
	MsgOpenDocument       MessageType = 0x0200
	MsgOpenDocumentResp   MessageType = 0x0201
	MsgCloseDocument      MessageType = 0x0202
	MsgCloseDocumentResp  MessageType = 0x0203
	MsgListDocuments      MessageType = 0x0204
	MsgListDocumentsResp  MessageType = 0x0205
	MsgRenderDocument     MessageType = 0x0206
	MsgRenderDocumentResp MessageType = 0x0207

	// Highlights (0x03xx)
	MsgGetHighlights         MessageType = 0x0300
	MsgGetHighlightsResp     MessageType = 0x0301
	MsgAddHighlight          MessageType = 0x0302
	MsgAddHighlightResp      MessageType = 0x0303
	MsgRestyleHighlight      MessageType = 0x0304
	MsgRestyleHighlightResp  MessageType = 0x0305
	MsgFocusHighlight        MessageType = 0x0306
	MsgFocusHighlightResp    MessageType = 0x0307
	MsgDeleteHighlight       MessageType = 0x0308
	MsgDeleteHighlightResp   MessageType = 0x0309
	MsgClearHighlights       MessageType = 0x030A
	MsgClearHighlightsResp   MessageType = 0x030B
	MsgCollectHighlights     MessageType = 0x030C
	MsgCollectHighlightsResp MessageType = 0x030D

	// Export (0x04xx)
	MsgExportMarkdown     MessageType = 0x0400
	MsgExportMarkdownResp MessageType = 0x0401
	MsgExportPagePdf      MessageType = 0x0402
	MsgExportPagePdfResp  MessageType = 0x0403

	// Storage and backup (0x05xx)
	MsgStorageInfo      MessageType = 0x0500
	MsgStorageInfoResp  MessageType = 0x0501
	MsgBackupExport     MessageType = 0x0502
	MsgBackupExportResp MessageType = 0x0503
	MsgBackupImport     MessageType = 0x0504
	MsgBackupImportResp MessageType = 0x0505
	MsgClearAllData     MessageType = 0x0506
	MsgClearAllDataResp MessageType = 0x0507

	// Reload and settings (0x06xx)
	MsgReload              MessageType = 0x0600
	MsgReloadResp          MessageType = 0x0601
	MsgSettingsUpdated     MessageType = 0x0602
	MsgSettingsUpdatedResp MessageType = 0x0603

	// Event streaming (0x07xx)
	MsgSubscribe       MessageType = 0x0700
	MsgSubscribeResp   MessageType = 0x0701
	MsgUnsubscribe     MessageType = 0x0702
	MsgUnsubscribeResp MessageType = 0x0703
	MsgEvent           MessageType = 0x0704
)

// Command names shared by the socket and HTTP transports.
const (
	CmdPing              = "ping"
	CmdStatus            = "status"
	CmdOpenDocument      = "openDocument"
	CmdCloseDocument     = "closeDocument"
	CmdListDocuments     = "listDocuments"
	CmdRenderDocument    = "renderDocument"
	CmdGetHighlights     = "getHighlights"
	CmdAddHighlight      = "addHighlight"
	CmdRestyleHighlight  = "restyleHighlight"
	CmdFocusHighlight    = "focusHighlight"
	CmdDeleteHighlight   = "deleteHighlight"
	CmdClearHighlights   = "clearHighlights"
	CmdCollectHighlights = "collectHighlights"
	CmdExportMarkdown    = "exportMarkdown"
	CmdExportPagePdf     = "exportPagePdf"
	CmdStorageInfo       = "storageInfo"
	CmdBackupExport      = "backupExport"
	CmdBackupImport      = "backupImport"
	CmdClearAllData      = "clearAllData"
	CmdReload            = "reload"
	CmdSettingsUpdated   = "settingsUpdated"
)

type command struct {
	name string
	resp MessageType
	// mutates is set for commands read-only clients may not run.
	mutates bool
}

var commands = map[MessageType]command{
	MsgReady:             {CmdPing, MsgReadyResp, false},
	MsgStatusRequest:     {CmdStatus, MsgStatusResponse, false},
	MsgOpenDocument:      {CmdOpenDocument, MsgOpenDocumentResp, true},
	MsgCloseDocument:     {CmdCloseDocument, MsgCloseDocumentResp, true},
	MsgListDocuments:     {CmdListDocuments, MsgListDocumentsResp, false},
	MsgRenderDocument:    {CmdRenderDocument, MsgRenderDocumentResp, false},
	MsgGetHighlights:     {CmdGetHighlights, MsgGetHighlightsResp, false},
	MsgAddHighlight:      {CmdAddHighlight, MsgAddHighlightResp, true},
	MsgRestyleHighlight:  {CmdRestyleHighlight, MsgRestyleHighlightResp, true},
	MsgFocusHighlight:    {CmdFocusHighlight, MsgFocusHighlightResp, true},
	MsgDeleteHighlight:   {CmdDeleteHighlight, MsgDeleteHighlightResp, true},
	MsgClearHighlights:   {CmdClearHighlights, MsgClearHighlightsResp, true},
	MsgCollectHighlights: {CmdCollectHighlights, MsgCollectHighlightsResp, false},
	MsgExportMarkdown:    {CmdExportMarkdown, MsgExportMarkdownResp, false},
	MsgExportPagePdf:     {CmdExportPagePdf, MsgExportPagePdfResp, true},
	MsgStorageInfo:       {CmdStorageInfo, MsgStorageInfoResp, false},
	MsgBackupExport:      {CmdBackupExport, MsgBackupExportResp, false},
	MsgBackupImport:      {CmdBackupImport, MsgBackupImportResp, true},
	MsgClearAllData:      {CmdClearAllData, MsgClearAllDataResp, true},
	MsgReload:            {CmdReload, MsgReloadResp, true},
	MsgSettingsUpdated:   {CmdSettingsUpdated, MsgSettingsUpdatedResp, true},
}

var commandTypes = func() map[string]MessageType {
	out := make(map[string]MessageType, len(commands))
	for t, c := range commands {
		out[c.name] = t
	}
	return out
}()

// CommandType returns the request message type of a command name.
func CommandType(name string) (MessageType, bool) {
	t, ok := commandTypes[name]
	return t, ok
}

// CommandName returns the command carried by a request message type.
func CommandName(t MessageType) (string, bool) {
	c, ok := commands[t]
	return c.name, ok
}

// Mutates reports whether a command changes state.
func Mutates(name string) bool {
	t, ok := commandTypes[name]
	return ok && commands[t].mutates
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly    PermissionLevel = 0x01
	PermReadWrite   PermissionLevel = 0x02
	PermFullControl PermissionLevel = 0x03
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04 // JSON payload instead of MessagePack
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type, flags and payload.
func NewMessage(msgType MessageType, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) bytes() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	_, err := w.Write(h.bytes())
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to w in a single call, so a message-mode
// pipe receives it whole.
func (m *Message) Write(w io.Writer) error {
	buf := append(m.Header.bytes(), m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encode encodes a payload in the encoding selected by flags.
func Encode(flags uint8, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if flags&FlagJSON != 0 {
		return json.Marshal(v)
	}
	return msgpack.Marshal(v)
}

// Decode decodes a payload in the encoding selected by flags. An empty
// payload leaves v untouched.
func Decode(flags uint8, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if flags&FlagJSON != 0 {
		return json.Unmarshal(data, v)
	}
	return msgpack.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, flags uint8, code int, message string) *Message {
	payload, _ := Encode(flags, &ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, flags, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, flags uint8, v any) (*Message, error) {
	payload, err := Encode(flags, v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, flags, payload), nil
}

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version" msgpack:"client_version"`
	ClientName      string `json:"client_name" msgpack:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version" msgpack:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version" msgpack:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version" msgpack:"protocol_version"`
	ClientID        string          `json:"client_id" msgpack:"client_id"`
	Permission      PermissionLevel `json:"permission" msgpack:"permission"`
}

// AuthRequest is sent to authenticate a client
type AuthRequest struct {
	Method string `json:"method" msgpack:"method"` // "peercred" or "none"
	PID    int    `json:"pid,omitempty" msgpack:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success" msgpack:"success"`
	Permission PermissionLevel `json:"permission" msgpack:"permission"`
	Error      string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrAlreadyExists    = 6
	ErrNotOpen          = 7
	ErrQuotaExceeded    = 8
	ErrUnresolvable     = 9
	ErrInvalidBackup    = 10
	ErrRateLimited      = 11
)

// DocumentRequest addresses an open document.
type DocumentRequest struct {
	URL string `json:"url" msgpack:"url"`
}

// AckResponse acknowledges a command.
type AckResponse struct {
	OK bool `json:"ok" msgpack:"ok"`
}

// ReadyResponse answers ping.
type ReadyResponse struct {
	Ready bool `json:"ready" msgpack:"ready"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version     string        `json:"version" msgpack:"version"`
	Uptime      time.Duration `json:"uptime" msgpack:"uptime"`
	StartedAt   time.Time     `json:"started_at" msgpack:"started_at"`
	Documents   int           `json:"documents" msgpack:"documents"`
	Storage     StorageInfo   `json:"storage" msgpack:"storage"`
	StorageType string        `json:"storage_type" msgpack:"storage_type"`
	Encoding    string        `json:"encoding" msgpack:"encoding"`
}

// OpenDocumentRequest hosts a document.
type OpenDocumentRequest struct {
	URL     string `json:"url" msgpack:"url"`
	HTML    string `json:"html" msgpack:"html"`
	Replace bool   `json:"replace,omitempty" msgpack:"replace,omitempty"`
}

// OpenDocumentResponse describes the opened document.
type OpenDocumentResponse struct {
	Key   string `json:"key" msgpack:"key"`
	Title string `json:"title" msgpack:"title"`
	Count int    `json:"count" msgpack:"count"`
}

// ListDocumentsResponse lists open documents ordered by key.
type ListDocumentsResponse struct {
	Documents []session.Info `json:"documents" msgpack:"documents"`
}

// RenderResponse carries the current markup of a document.
type RenderResponse struct {
	HTML string `json:"html" msgpack:"html"`
}

// HighlightsResponse lists records newest first.
type HighlightsResponse struct {
	Key        string             `json:"key" msgpack:"key"`
	Highlights []highlight.Record `json:"highlights" msgpack:"highlights"`
}

// AddHighlightRequest selects a span either by positions or by text. Text
// wins when both are given.
type AddHighlightRequest struct {
	URL        string           `json:"url" msgpack:"url"`
	Start      *anchor.Position `json:"start,omitempty" msgpack:"start,omitempty"`
	End        *anchor.Position `json:"end,omitempty" msgpack:"end,omitempty"`
	Text       string           `json:"text,omitempty" msgpack:"text,omitempty"`
	Occurrence int              `json:"occurrence,omitempty" msgpack:"occurrence,omitempty"`
	Color      string           `json:"color,omitempty" msgpack:"color,omitempty"`
}

// AddHighlightResponse returns the created record.
type AddHighlightResponse struct {
	ID     string           `json:"id" msgpack:"id"`
	Record highlight.Record `json:"record" msgpack:"record"`
}

// HighlightRequest addresses one highlight of a document.
type HighlightRequest struct {
	URL   string `json:"url" msgpack:"url"`
	ID    string `json:"id" msgpack:"id"`
	Color string `json:"color,omitempty" msgpack:"color,omitempty"`
}

// FoundResponse reports whether the addressed highlight exists after the
// command.
type FoundResponse struct {
	OK    bool `json:"ok" msgpack:"ok"`
	Found bool `json:"found" msgpack:"found"`
}

// FocusResponse reports where the focused highlight is.
type FocusResponse struct {
	OK       bool             `json:"ok" msgpack:"ok"`
	Found    bool             `json:"found" msgpack:"found"`
	Position *anchor.Position `json:"position,omitempty" msgpack:"position,omitempty"`
	Markers  int              `json:"markers,omitempty" msgpack:"markers,omitempty"`
}

// CountResponse reports how many items a command affected.
type CountResponse struct {
	OK    bool `json:"ok" msgpack:"ok"`
	Count int  `json:"count" msgpack:"count"`
}

// CollectResponse carries records with their marker markup.
type CollectResponse struct {
	Key        string                `json:"key" msgpack:"key"`
	Title      string                `json:"title" msgpack:"title"`
	Highlights []highlight.Collected `json:"highlights" msgpack:"highlights"`
}

// ExportRequest exports the highlights of a document. Format defaults to
// markdown; Title overrides the document title.
type ExportRequest struct {
	URL    string `json:"url" msgpack:"url"`
	Title  string `json:"title,omitempty" msgpack:"title,omitempty"`
	Format string `json:"format,omitempty" msgpack:"format,omitempty"`
}

// ExportResponse carries the exported document.
type ExportResponse struct {
	FileName string `json:"file_name" msgpack:"file_name"`
	Format   string `json:"format" msgpack:"format"`
	Content  string `json:"content" msgpack:"content"`
	Count    int    `json:"count" msgpack:"count"`
}

// StorageInfo reports storage usage.
type StorageInfo struct {
	Used    int64   `json:"used" msgpack:"used"`
	Quota   int64   `json:"quota" msgpack:"quota"`
	Percent float64 `json:"percent" msgpack:"percent"`
	Level   string  `json:"level" msgpack:"level"`
}

// BackupExportResponse carries every stored collection.
type BackupExportResponse struct {
	FileName string      `json:"file_name" msgpack:"file_name"`
	Pages    int         `json:"pages" msgpack:"pages"`
	Data     backup.Data `json:"data" msgpack:"data"`
}

// BackupImportRequest carries a backup file's JSON text.
type BackupImportRequest struct {
	JSON string `json:"json" msgpack:"json"`
}

// BackupImportResponse lists the keys written.
type BackupImportResponse struct {
	OK       bool     `json:"ok" msgpack:"ok"`
	Imported int      `json:"imported" msgpack:"imported"`
	Keys     []string `json:"keys" msgpack:"keys"`
}

// ClearAllDataResponse reports what clearAllData removed.
type ClearAllDataResponse struct {
	OK      bool `json:"ok" msgpack:"ok"`
	Removed int  `json:"removed" msgpack:"removed"`
	Cleared int  `json:"cleared" msgpack:"cleared"`
}

// ReloadRequest reloads one document, or all when URL is empty.
type ReloadRequest struct {
	URL string `json:"url,omitempty" msgpack:"url,omitempty"`
}

// SettingsResponse carries the settings in effect.
type SettingsResponse struct {
	OK       bool            `json:"ok" msgpack:"ok"`
	Settings config.Settings `json:"settings" msgpack:"settings"`
}

// SubscribeRequest requests event subscription. Empty Events means all.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty" msgpack:"events,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success" msgpack:"success"`
	SubscriptionID string `json:"subscription_id" msgpack:"subscription_id"`
}

// Event is a streamed document event.
type Event struct {
	session.Event
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NewEvent stamps e with the current time.
func NewEvent(e session.Event) *Event {
	return &Event{Event: e, Timestamp: time.Now()}
}
