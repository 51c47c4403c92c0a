package models

// BlockType is the kind of content a parse artifact block holds.
type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeImage    BlockType = "image"
	BlockTypeTable    BlockType = "table"
	BlockTypeEquation BlockType = "equation"
)

// ContentBlock is one element of the ordered block list the external parsing
// engine writes to a parse artifact. Only Type is guaranteed; the content
// field used depends on the block type.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	ImagePath string    `json:"img_path,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	PageIndex int       `json:"page_idx"`
}

// Content returns the indexable text of the block: body text for text and
// equation blocks, caption for images and tables.
func (b ContentBlock) Content() string {
	switch b.Type {
	case BlockTypeImage, BlockTypeTable:
		if b.Caption != "" {
			return b.Caption
		}
		return b.Text
	default:
		return b.Text
	}
}
