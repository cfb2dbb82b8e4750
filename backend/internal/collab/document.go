package collab

import (
	"fmt"

	"collabSync/backend/internal/ot/delta"
)

// Document 某一修订下的文档内容：content 只含 insert，text 为纯文本镜像
type Document struct {
	content delta.Delta
	text    Buffer
	revID   int64
}

func NewDocument(content delta.Delta, revID int64) (*Document, error) {
	for _, op := range content {
		if op.Kind != delta.KindInsert {
			return nil, fmt.Errorf("document content contains %s: %w", op.Kind, delta.ErrMalformed)
		}
	}
	return &Document{
		content: delta.Normalize(content),
		text:    NewPieceTable(content.Text()),
		revID:   revID,
	}, nil
}

// Apply 先 compose，成功后再更新文本镜像；失败时文档不变
func (d *Document) Apply(change delta.Delta) error {
	next, err := delta.Compose(d.content, change)
	if err != nil {
		return err
	}
	if err := d.text.Apply(change); err != nil {
		// 镜像和 content 不一致时以 content 为准重建
		d.text = NewPieceTable(next.Text())
	}
	d.content = next
	return nil
}

func (d *Document) Reset(content delta.Delta, revID int64) error {
	nd, err := NewDocument(content, revID)
	if err != nil {
		return err
	}
	*d = *nd
	return nil
}

func (d *Document) Content() delta.Delta { return d.content }
func (d *Document) Text() string         { return d.text.String() }
func (d *Document) Len() int             { return d.text.Len() }
func (d *Document) RevID() int64         { return d.revID }
func (d *Document) SetRevID(revID int64) { d.revID = revID }
