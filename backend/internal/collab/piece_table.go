package collab

import (
	"errors"
	"strings"

	"roomsync/backend/internal/delta"
)

var ErrOutOfRange = errors.New("OUT_OF_RANGE")

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 非并发安全，由 DocumentView 加锁
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

// Slice 返回 [start, end) 的文本
func (pt *PieceTable) Slice(start, end int) (string, error) {
	if start < 0 || end < start || end > pt.length {
		return "", ErrOutOfRange
	}
	var sb strings.Builder
	cur := 0
	for _, p := range pt.pieces {
		pStart, pEnd := cur, cur+p.length
		cur = pEnd
		if pEnd <= start {
			continue
		}
		if pStart >= end {
			break
		}
		lo, hi := max(start, pStart)-pStart, min(end, pEnd)-pStart
		sb.WriteString(string(pt.runes(p)[lo:hi]))
	}
	return sb.String(), nil
}

// Apply 顺序执行 delta：
// retain 移动 pos；insert 在 pos 处插入新 piece；delete 删掉 pos 起 count 个字符。
// 先整体校验长度，越界时文档保持不变。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := pt.check(d); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count

		case delta.KindInsert:
			r := []rune(op.Text)
			if len(r) == 0 {
				continue
			}
			start := len(pt.add)
			pt.add = append(pt.add, r...)

			idx := pt.splitAt(pos)
			pt.pieces = append(pt.pieces, piece{})
			copy(pt.pieces[idx+1:], pt.pieces[idx:])
			pt.pieces[idx] = piece{buf: bufAdd, offset: start, length: len(r)}
			pt.length += len(r)
			pos += len(r)

		case delta.KindDelete:
			if op.Count == 0 {
				continue
			}
			// 两端各切一刀，中间整段 piece 直接丢弃
			from := pt.splitAt(pos)
			to := pt.splitAt(pos + op.Count)
			pt.pieces = append(pt.pieces[:from], pt.pieces[to:]...)
			pt.length -= op.Count
		}
	}
	return nil
}

func (pt *PieceTable) check(d delta.Delta) error {
	pos, n := 0, pt.length
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 || pos+op.Count > n {
				return ErrOutOfRange
			}
			pos += op.Count
		case delta.KindInsert:
			l := len([]rune(op.Text))
			pos += l
			n += l
		case delta.KindDelete:
			if op.Count < 0 || pos+op.Count > n {
				return ErrOutOfRange
			}
			n -= op.Count
		default:
			return errors.New("UNKNOWN_OP_KIND")
		}
	}
	return nil
}

// splitAt 保证逻辑位置 pos 落在 piece 边界上，返回从 pos 开始的 piece 下标
func (pt *PieceTable) splitAt(pos int) int {
	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) || offset == 0 {
		return idx
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	pt.pieces = append(pt.pieces, piece{})
	copy(pt.pieces[idx+2:], pt.pieces[idx+1:])
	pt.pieces[idx] = left
	pt.pieces[idx+1] = right
	return idx + 1
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
