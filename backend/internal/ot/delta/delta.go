package delta

import "errors"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var (
	ErrOutOfRange = errors.New("delta: retain/delete beyond document length")
	ErrBadOp      = errors.New("delta: malformed op")
)

func Retain(n int) Op       { return Op{Kind: KindRetain, Count: n} }
func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }
func Delete(n int) Op       { return Op{Kind: KindDelete, Count: n} }

// Validate 检查 d 能否作用在长度为 docLen 的文档上
func (d Delta) Validate(docLen int) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if op.Count < 0 {
				return ErrBadOp
			}
			pos += op.Count
			if pos > docLen {
				return ErrOutOfRange
			}
		case KindInsert:
			n := len([]rune(op.Text))
			pos += n
			docLen += n
		case KindDelete:
			if op.Count < 0 {
				return ErrBadOp
			}
			if pos+op.Count > docLen {
				return ErrOutOfRange
			}
			docLen -= op.Count
		default:
			return ErrBadOp
		}
	}
	return nil
}

// Compact 去掉空操作
func (d Delta) Compact() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			if op.Text == "" {
				continue
			}
		default:
			if op.Count == 0 {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}
