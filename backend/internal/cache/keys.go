package cache

import "fmt"

// 键语义：
// - roomKey(roomID):            房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):           房间内 userId→userName 映射（Hash）
// - cursorKey(roomID, userID):  成员光标 JSON（String，带 TTL）
// - roomsKey():                 房间索引（Set<roomID>）
//
// 同一房间的键用 {room:xxx} 做 hash tag，集群模式下落在同一个 slot，Lua 才能同时操作。

const (
	keyRoomFmt   = "presence:room:{room:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{room:%s}" // Hash<userId -> userName>
	keyCursorFmt = "presence:cursor:{room:%s}:%s"  // String JSON with TTL
	keyRoomsSet  = "presence:rooms"                // Set<roomID>

	relayChannelFmt = "collab:relay:%s"
	relayPattern    = "collab:relay:*"
)

func roomKey(roomID string) string           { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string          { return fmt.Sprintf(keyNamesFmt, roomID) }
func cursorKey(roomID, userID string) string { return fmt.Sprintf(keyCursorFmt, roomID, userID) }
func roomsKey() string                       { return keyRoomsSet }
func relayChannel(roomID string) string      { return fmt.Sprintf(relayChannelFmt, roomID) }
