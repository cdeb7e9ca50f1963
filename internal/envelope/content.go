package envelope

import (
	"encoding/json"
	"fmt"
)

// Content is a decoded message body.
type Content interface {
	MessageType() Type
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TextContent) MessageType() Type { return TypeText }

type ImageContent struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (ImageContent) MessageType() Type { return TypeImage }

type FileContent struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

func (FileContent) MessageType() Type { return TypeFile }

func NewTextContent(text string) TextContent {
	return TextContent{Type: "text", Text: text}
}

func NewImageContent(url string, width, height int) ImageContent {
	return ImageContent{Type: "image", URL: url, Width: width, Height: height}
}

func NewFileContent(url, filename string, size int64, mimeType string) FileContent {
	return FileContent{Type: "file", URL: url, Filename: filename, Size: size, MimeType: mimeType}
}

// ParseContent decodes m.Content according to m.MessageType. Missing
// fields decode to zero values.
func ParseContent(m Message) (Content, error) {
	if m.Content == "" {
		return nil, fmt.Errorf("message %s has no content", m.MessageID)
	}

	switch m.MessageType {
	case TypeText:
		var c TextContent
		if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
			return nil, fmt.Errorf("decode text content: %w", err)
		}
		c.Type = "text"
		return c, nil
	case TypeImage:
		var c ImageContent
		if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
			return nil, fmt.Errorf("decode image content: %w", err)
		}
		c.Type = "image"
		return c, nil
	case TypeFile:
		var c FileContent
		if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
			return nil, fmt.Errorf("decode file content: %w", err)
		}
		c.Type = "file"
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported message type %s", m.MessageType)
	}
}

// Summary renders a one-line preview of m for session lists.
func Summary(m Message) string {
	c, err := ParseContent(m)
	if err != nil {
		return ""
	}
	switch c := c.(type) {
	case TextContent:
		return c.Text
	case ImageContent:
		return "[Image]"
	case FileContent:
		if c.Filename == "" {
			return "[File] unknown file"
		}
		return "[File] " + c.Filename
	}
	return ""
}

// ValidateContent checks that content carries the fields required by t,
// with the right JSON kinds.
func ValidateContent(content string, t Type) bool {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return false
	}

	isString := func(key string) bool {
		_, ok := fields[key].(string)
		return ok
	}
	isNumber := func(key string) bool {
		_, ok := fields[key].(float64)
		return ok
	}

	switch t {
	case TypeText:
		return isString("text")
	case TypeImage:
		return isString("url") && isNumber("width") && isNumber("height")
	case TypeFile:
		return isString("url") && isString("filename") && isNumber("size")
	default:
		return false
	}
}
