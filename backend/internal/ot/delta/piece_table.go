package delta

import "strings"

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

// PieceTable 按 rune 寻址的文本缓冲区。original 只读，新插入的文本追加到 add。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.Reset(initial)
	return pt
}

func (pt *PieceTable) Reset(text string) {
	r := []rune(text)
	pt.original = r
	pt.add = nil
	pt.pieces = pt.pieces[:0]
	if len(r) > 0 {
		pt.pieces = append(pt.pieces, piece{buf: bufOriginal, offset: 0, length: len(r)})
	}
	pt.length = len(r)
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 先整体校验，校验失败时缓冲区不变
func (pt *PieceTable) Apply(d Delta) error {
	if err := d.Validate(pt.length); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			pos += op.Count
		case KindInsert:
			n := pt.insert(pos, op.Text)
			pos += n
		case KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	if len(r) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	np := piece{buf: bufAdd, offset: start, length: len(r)}

	idx := pt.split(pos)
	pt.pieces = append(pt.pieces, piece{})
	copy(pt.pieces[idx+1:], pt.pieces[idx:])
	pt.pieces[idx] = np
	pt.length += len(r)
	return len(r)
}

func (pt *PieceTable) delete(pos, count int) {
	if count <= 0 {
		return
	}
	from := pt.split(pos)
	to := pt.split(pos + count)
	pt.pieces = append(pt.pieces[:from], pt.pieces[to:]...)
	pt.length -= count
}

// split 保证 pos 落在 piece 边界上，返回从 pos 开始的 piece 下标
func (pt *PieceTable) split(pos int) int {
	cur := 0
	for i, p := range pt.pieces {
		if pos == cur {
			return i
		}
		if pos < cur+p.length {
			off := pos - cur
			left := piece{buf: p.buf, offset: p.offset, length: off}
			right := piece{buf: p.buf, offset: p.offset + off, length: p.length - off}
			pt.pieces = append(pt.pieces, piece{})
			copy(pt.pieces[i+2:], pt.pieces[i+1:])
			pt.pieces[i] = left
			pt.pieces[i+1] = right
			return i + 1
		}
		cur += p.length
	}
	return len(pt.pieces)
}
