// Package protocol 定义浏览器/客户端与房间服务之间的 websocket 消息。
// 每帧都是 {"event": <name>, "data": <payload>}。
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	EventJoinRoom             = "join-room"
	EventTextOperation        = "text-operation"
	EventTextUpdate           = "text-update"
	EventCursorPosition       = "cursor-position"
	EventTypingIndicator      = "typing-indicator"
	EventRequestDocumentState = "request-document-state"
	EventDocumentState        = "document-state"
	EventUsersUpdated         = "users-updated"
)

var ErrMalformed = errors.New("malformed message")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TextUpdate 全文更新；UserID/UserName/Timestamp 由服务端填写
type TextUpdate struct {
	Field     string `json:"field"`
	Value     string `json:"value"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type CursorPosition struct {
	Field     string `json:"field"`
	Position  int    `json:"position"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type TypingIndicator struct {
	Field     string `json:"field"`
	IsTyping  bool   `json:"isTyping"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DocumentState field -> 全文
type DocumentState map[string]string

type PresenceUser struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
	Cursor      *int      `json:"cursor,omitempty"`
	Field       string    `json:"field,omitempty"`
}

// Encode 把事件编码成一帧
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode 解析帧头，payload 留给调用方按事件类型解析
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Join(ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// DecodeData 解析 payload；缺失 payload 按 {} 处理
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

