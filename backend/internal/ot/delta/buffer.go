package delta

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d Delta) error
	String() string
	// Reset 整体替换内容（全文更新）
	Reset(text string)
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original = "Hello world"，add = ""
- piece 表：[ (orig, 0, 11) ]

在位置 5 插入 `" there"`：
- add = " there"
- piece 表：[ (orig, 0, 5), (add, 0, 6), (orig, 5, 6) ]
*/
