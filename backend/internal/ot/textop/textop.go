// Package textop 定义字段级的位置操作（insert / delete / replace）及其编解码、应用与冲突变换。
// 所有位置和长度都按 Unicode 码点（rune）计算。
package textop

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notesCollab/backend/internal/ot/delta"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

var (
	ErrUnknownKind = errors.New("textop: unknown operation type")
	ErrInvalid     = errors.New("textop: invalid operation")
)

// Edit 是封闭的和类型：只有本包内的 Insert / Delete / Replace 实现它
type Edit interface {
	Kind() Kind
	Pos() int
	isEdit()
}

type Insert struct {
	Position int
	Content  string
}

type Delete struct {
	Position int
	Length   int
}

type Replace struct {
	Position int
	Content  string
	Length   int
}

func (Insert) Kind() Kind  { return KindInsert }
func (Delete) Kind() Kind  { return KindDelete }
func (Replace) Kind() Kind { return KindReplace }

func (e Insert) Pos() int  { return e.Position }
func (e Delete) Pos() int  { return e.Position }
func (e Replace) Pos() int { return e.Position }

func (Insert) isEdit()  {}
func (Delete) isEdit()  {}
func (Replace) isEdit() {}

// Operation 一条作用在某个字段上的编辑。UserID/UserName 由服务端填写。
type Operation struct {
	ID        string
	Field     string
	Timestamp int64 // ms since epoch
	UserID    string
	UserName  string
	Edit      Edit
}

// New 生成带 id 和时间戳的操作
func New(field string, e Edit, now time.Time) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Field:     field,
		Timestamp: now.UnixMilli(),
		Edit:      e,
	}
}

// wireOp 线上格式：{"type","position","content","length","field","timestamp","id","userId","userName"}
type wireOp struct {
	Type      Kind   `json:"type"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"`
	Length    int    `json:"length,omitempty"`
	Field     string `json:"field"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOp{
		Field:     op.Field,
		Timestamp: op.Timestamp,
		ID:        op.ID,
		UserID:    op.UserID,
		UserName:  op.UserName,
	}
	switch e := op.Edit.(type) {
	case Insert:
		w.Type, w.Position, w.Content = KindInsert, e.Position, e.Content
	case Delete:
		w.Type, w.Position, w.Length = KindDelete, e.Position, e.Length
	case Replace:
		w.Type, w.Position, w.Content, w.Length = KindReplace, e.Position, e.Content, e.Length
	default:
		return nil, fmt.Errorf("marshal operation %s: %w", op.ID, ErrUnknownKind)
	}
	return json.Marshal(w)
}

func (op *Operation) UnmarshalJSON(b []byte) error {
	var w wireOp
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Position < 0 || w.Length < 0 {
		return fmt.Errorf("operation %s: negative position/length: %w", w.ID, ErrInvalid)
	}
	switch w.Type {
	case KindInsert:
		op.Edit = Insert{Position: w.Position, Content: w.Content}
	case KindDelete:
		op.Edit = Delete{Position: w.Position, Length: w.Length}
	case KindReplace:
		op.Edit = Replace{Position: w.Position, Content: w.Content, Length: w.Length}
	default:
		return fmt.Errorf("operation %s type %q: %w", w.ID, w.Type, ErrUnknownKind)
	}
	op.ID = w.ID
	op.Field = w.Field
	op.Timestamp = w.Timestamp
	op.UserID = w.UserID
	op.UserName = w.UserName
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Apply 把 e 作用到 text 上。越界的位置和长度按文本长度截断。
func Apply(text string, e Edit) string {
	r := []rune(text)
	n := len(r)
	switch e := e.(type) {
	case Insert:
		p := clamp(e.Position, 0, n)
		return string(r[:p]) + e.Content + string(r[p:])
	case Delete:
		p := clamp(e.Position, 0, n)
		end := clamp(p+e.Length, p, n)
		return string(r[:p]) + string(r[end:])
	case Replace:
		p := clamp(e.Position, 0, n)
		end := clamp(p+e.Length, p, n)
		return string(r[:p]) + e.Content + string(r[end:])
	}
	return text
}

// ToDelta 把 e 转成作用在长度为 docLen 的文档上的 delta，截断规则与 Apply 一致
func ToDelta(e Edit, docLen int) delta.Delta {
	p := clamp(e.Pos(), 0, docLen)
	var d delta.Delta
	d = append(d, delta.Retain(p))
	switch e := e.(type) {
	case Insert:
		d = append(d, delta.Insert(e.Content))
	case Delete:
		d = append(d, delta.Delete(clamp(e.Length, 0, docLen-p)))
	case Replace:
		d = append(d, delta.Delete(clamp(e.Length, 0, docLen-p)), delta.Insert(e.Content))
	}
	return d.Compact()
}

// WithPosition 返回位置被替换后的同类编辑
func WithPosition(e Edit, pos int) Edit {
	switch e := e.(type) {
	case Insert:
		e.Position = pos
		return e
	case Delete:
		e.Position = pos
		return e
	case Replace:
		e.Position = pos
		return e
	}
	return e
}

// IsNoop 空插入、零长度删除
func IsNoop(e Edit) bool {
	switch e := e.(type) {
	case Insert:
		return e.Content == ""
	case Delete:
		return e.Length == 0
	case Replace:
		return e.Content == "" && e.Length == 0
	}
	return true
}
