package binding

// CaretMeasurer 把文本偏移换算成相对文本框左上角的像素位置
type CaretMeasurer interface {
	Caret(text string, offset int) (x, y float64)
}

// GridCaret 等宽字体下的估算：每个码点占一格，换行或超过 Cols 时折行。Cols<=0 表示不自动折行。
type GridCaret struct {
	CharWidth  float64
	LineHeight float64
	Cols       int
}

func (g GridCaret) Caret(text string, offset int) (x, y float64) {
	col, row, i := 0, 0, 0
	for _, r := range text {
		if i >= offset {
			break
		}
		i++
		if r == '\n' {
			col, row = 0, row+1
			continue
		}
		col++
		if g.Cols > 0 && col >= g.Cols {
			col, row = 0, row+1
		}
	}
	return float64(col) * g.CharWidth, float64(row) * g.LineHeight
}
