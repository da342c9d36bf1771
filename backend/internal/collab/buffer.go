package collab

import (
	"roomsync/backend/internal/delta"
)

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	Slice(start, end int) (string, error)
	String() string
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：

[ (orig, offset=0, length=11) ]

用 " there" 替换 [5, 11)：先在 5 处切开、在 11 处切开，删掉中间的 piece，
再把 " there" 追加到 add buffer 并插入一条新 piece：

[
  (orig, offset=0, length=5),   // "Hello"
  (add,  offset=0, length=6),   // " there"
]
*/
