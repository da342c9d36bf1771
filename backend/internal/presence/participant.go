package presence

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Participant 房间内的一个协作身份
// ID、Color 创建后不可变；Name 只能经 Session.Rename 修改
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Color        string    `json:"color"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
	// 派生字段，每次快照时按当前时间重新计算
	Online bool `json:"online"`
}

var palette = []string{
	"#4285F4",
	"#EA4335",
	"#FBBC05",
	"#34A853",
	"#9C27B0",
	"#FF5722",
	"#795548",
	"#607D8B",
}

var (
	adjectives = []string{"Clever", "Quick", "Smart", "Bright", "Agile", "Bold", "Calm", "Eager", "Fresh", "Happy"}
	nouns      = []string{"Coder", "Hacker", "Ninja", "Wizard", "Developer", "Engineer", "Builder", "Creator", "Maker", "Designer"}
)

// NewParticipant 生成一个新身份：uuid + 随机颜色；name 为空时随机取名
func NewParticipant(name string) Participant {
	if name == "" {
		name = RandomName()
	}
	return Participant{
		ID:    uuid.NewString(),
		Name:  name,
		Color: RandomColor(),
	}
}

// RandomName 形如 "QuickNinja42"
func RandomName() string {
	return fmt.Sprintf("%s%s%d", adjectives[rand.Intn(len(adjectives))], nouns[rand.Intn(len(nouns))], rand.Intn(1000))
}

func RandomColor() string {
	return palette[rand.Intn(len(palette))]
}

// Palette 返回可选颜色的副本
func Palette() []string {
	out := make([]string, len(palette))
	copy(out, palette)
	return out
}
