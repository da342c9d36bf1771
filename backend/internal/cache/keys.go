package cache

import "fmt"

// 键语义：
// - roomKey(roomID):    房间在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):   participantId -> 显示名（Hash）
// - colorsKey(roomID):  participantId -> 颜色（Hash）
// - cursorKey(...):     最近一次光标位置（String，带 TTL）
// - roomsKey():         有成员的房间索引（Set<roomId>）

const (
	keyRoomFmt   = "presence:room:{%s}"        // ZSet<participantId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{%s}"  // Hash<participantId -> name>
	keyColorsFmt = "presence:room:colors:{%s}" // Hash<participantId -> color>
	keyCursorFmt = "presence:cursor:{%s}:%s"
	keyRoomsSet  = "presence:rooms" // Set<roomId>
)

func roomKey(roomID string) string   { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string  { return fmt.Sprintf(keyNamesFmt, roomID) }
func colorsKey(roomID string) string { return fmt.Sprintf(keyColorsFmt, roomID) }
func roomsKey() string               { return keyRoomsSet }

func cursorKey(roomID, participantID string) string {
	return fmt.Sprintf(keyCursorFmt, roomID, participantID)
}
