package ws

import (
	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
)

// ClientMessage 是客户端发来的帧
type ClientMessage struct {
	Type string `json:"type"` // "put" / "heartbeat"
	// ID 由客户端生成，原样带回 ack/error
	ID      string        `json:"id,omitempty"`
	Version []string      `json:"version,omitempty"`
	Parents []string      `json:"parents,omitempty"`
	Patches []patch.Patch `json:"patches,omitempty"`
	Body    *string       `json:"body,omitempty"`
	Digest  string        `json:"digest,omitempty"`
}

// ServerMessage 是推送给客户端的帧
type ServerMessage struct {
	Type    string        `json:"type"` // "welcome" / "update" / "ack" / "error"
	ID      string        `json:"id,omitempty"`
	Key     string        `json:"key,omitempty"`
	Peer    string        `json:"peer,omitempty"`
	Version []string      `json:"version,omitempty"`
	Parents []string      `json:"parents,omitempty"`
	Patches []patch.Patch `json:"patches,omitempty"`
	Body    *string       `json:"body,omitempty"`
	// Missing 在 VERSION_UNKNOWN 时列出本地缺失的事件
	Missing []string `json:"missing,omitempty"`
	Content string   `json:"content,omitempty"`
}

func updateMessage(u collab.Update) ServerMessage {
	return ServerMessage{Type: "update", Version: u.Version, Parents: u.Parents, Patches: u.Patches, Body: u.Body}
}

// Update 把 update 帧还原成 collab.Update
func (m ServerMessage) Update() collab.Update {
	return collab.Update{Version: m.Version, Parents: m.Parents, Patches: m.Patches, Body: m.Body}
}
