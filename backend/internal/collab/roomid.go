package collab

import (
	"math/rand"
	"strings"
)

// 去掉了容易混淆的 I、O、0、1
const roomIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const RoomIDLength = 6

// NewRoomID 生成 6 位房间码，如 "K7PQ2D"
func NewRoomID() string {
	b := make([]byte, RoomIDLength)
	for i := range b {
		b[i] = roomIDAlphabet[rand.Intn(len(roomIDAlphabet))]
	}
	return string(b)
}

// ValidRoomID 只做字符集与长度的检查，外部传入的自定义房间名不走这里
func ValidRoomID(id string) bool {
	if len(id) != RoomIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(roomIDAlphabet, rune(id[i])) {
			return false
		}
	}
	return true
}
