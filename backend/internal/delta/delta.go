package delta

import "errors"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrNegativeCount = errors.New("NEGATIVE_COUNT")

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// Replace 把“用 text 替换 [start, end)”翻译成 retain/delete/insert 序列
// 例：Replace(5, 7, "ab") => [{retain 5} {delete 2} {insert "ab"}]
func Replace(start, end int, text string) (Delta, error) {
	if start < 0 || end < start {
		return nil, ErrNegativeCount
	}
	d := make(Delta, 0, 3)
	if start > 0 {
		d = append(d, Op{Kind: KindRetain, Count: start})
	}
	if end > start {
		d = append(d, Op{Kind: KindDelete, Count: end - start})
	}
	if text != "" {
		d = append(d, Op{Kind: KindInsert, Text: text})
	}
	return d, nil
}

// BaseLen 应用该 delta 前文档至少需要的长度
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			n += op.Count
		}
	}
	return n
}
