package collab

import (
	"collabSync/backend/internal/ot/delta"
)

// Buffer 文档纯文本的镜像，与 Document 中的 delta 同步更新
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
piece table 结构示例

初始内容 "Hello world"：

	original = "Hello world", add = ""
	[ (orig, offset=0, length=11) ]

在位置 5 插入 " collaborative"：add 末尾追加，原 piece 拆成三段

	add = " collaborative"
	[
	  (orig, offset=0, length=5),   // "Hello"
	  (add,  offset=0, length=14),  // " collaborative"
	  (orig, offset=5, length=6),   // " world"
	]

retain 只移动位置，属性变化不影响纯文本。
*/
