// Package diff 用最长公共前缀/后缀把两个版本的文本差异表示为一次删除加一次插入。
package diff

import (
	"time"

	"notesCollab/backend/internal/ot/textop"
)

// Compute 返回把 old 变成 new 所需的删除和插入。两者位置相同，任一方可能为空操作。
// 先删后插。
func Compute(old, new string) (textop.Delete, textop.Insert) {
	a, b := []rune(old), []rune(new)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	del := textop.Delete{Position: prefix, Length: len(a) - prefix - suffix}
	ins := textop.Insert{Position: prefix, Content: string(b[prefix : len(b)-suffix])}
	return del, ins
}

// Operations 只返回非空的操作，删除在前
func Operations(field, old, new string, now time.Time) []textop.Operation {
	del, ins := Compute(old, new)
	var ops []textop.Operation
	if del.Length > 0 {
		ops = append(ops, textop.New(field, del, now))
	}
	if ins.Content != "" {
		ops = append(ops, textop.New(field, ins, now))
	}
	return ops
}
