package session

import "encoding/json"

// Chat frame types exchanged as JSON text messages on chat connections.
const (
	ChatTypeJoin    = "join"
	ChatTypeJoinAck = "JoinChat"
	ChatTypeSend    = "SendMsg"
	ChatTypeMessage = "ChatMessage"
	ChatTypeNotif   = "ChatNotif"
)

// ChatFrame is the single frame shape for the chat channel. Unused fields
// are omitted, so the same struct covers join acks, relayed messages and
// presence notices.
type ChatFrame struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Username string `json:"username,omitempty"`
	Content  string `json:"content,omitempty"`
}

func marshalFrame(f ChatFrame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// ChatFrame has only string fields, marshalling cannot fail.
		panic(err)
	}
	return data
}

// JoinAck confirms a chat join to the connection that requested it.
func JoinAck() []byte {
	return marshalFrame(ChatFrame{Type: ChatTypeJoinAck, Status: "Success"})
}

// ChatMessage carries one relayed chat message.
func ChatMessage(username, content string) []byte {
	return marshalFrame(ChatFrame{Type: ChatTypeMessage, Username: username, Content: content})
}

// ChatNotif carries join/leave/session-ended presence text.
func ChatNotif(content string) []byte {
	return marshalFrame(ChatFrame{Type: ChatTypeNotif, Content: content})
}
