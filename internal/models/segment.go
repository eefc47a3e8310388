package models

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
)

// SegmentType discriminates the kinds of message content segments.
type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentImage   SegmentType = "image"
	SegmentFile    SegmentType = "file"
	SegmentReply   SegmentType = "reply"
	SegmentAt      SegmentType = "at"
	SegmentFace    SegmentType = "face"
	SegmentMFace   SegmentType = "mface"
	SegmentRecord  SegmentType = "record"
	SegmentVideo   SegmentType = "video"
	SegmentForward SegmentType = "forward"
	SegmentJSON    SegmentType = "json"
	SegmentPoke    SegmentType = "poke"
)

// Segment is one piece of structured message content. Data holds the
// segment's fields as they appear on the wire; the typed accessors below
// read them regardless of whether the server sent strings or numbers.
type Segment struct {
	Type SegmentType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// TextSegment builds a plain text segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Data: map[string]any{"text": text}}
}

// ReplySegment builds a reply reference to another message.
func ReplySegment(messageID int64) Segment {
	return Segment{Type: SegmentReply, Data: map[string]any{"id": strconv.FormatInt(messageID, 10)}}
}

// AtSegment builds a mention of a user. userID 0 mentions everyone.
func AtSegment(userID int64) Segment {
	qq := "all"
	if userID != 0 {
		qq = strconv.FormatInt(userID, 10)
	}

	return Segment{Type: SegmentAt, Data: map[string]any{"qq": qq}}
}

// ImageSegment builds an image segment referencing a file or URL.
func ImageSegment(file string) Segment {
	return Segment{Type: SegmentImage, Data: map[string]any{"file": file}}
}

// Str returns the named data field as a string. Numbers are formatted
// without exponent; missing fields yield "".
func (s Segment) Str(key string) string {
	v, ok := s.Data[key]
	if !ok || v == nil {
		return ""
	}

	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}

		return string(b)
	}
}

// Int returns the named data field as an int64, or 0 if absent or not
// numeric.
func (s Segment) Int(key string) int64 {
	n, err := strconv.ParseInt(s.Str(key), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

func (s Segment) clone() Segment {
	if s.Data != nil {
		s.Data = maps.Clone(s.Data)
	}

	return s
}

// Summary renders segments as a single line of text for previews and
// logs. Non-text segments are shown as bracketed placeholders.
func Summary(segs []Segment) string {
	var b strings.Builder

	for _, s := range segs {
		switch s.Type {
		case SegmentText:
			b.WriteString(s.Str("text"))
		case SegmentAt:
			if qq := s.Str("qq"); qq == "all" {
				b.WriteString("@all ")
			} else if name := s.Str("name"); name != "" {
				b.WriteString("@" + name + " ")
			} else {
				b.WriteString("@" + qq + " ")
			}
		case SegmentImage:
			if s.Str("summary") != "" {
				b.WriteString(s.Str("summary"))
			} else {
				b.WriteString("[image]")
			}
		case SegmentMFace:
			b.WriteString("[sticker]")
		case SegmentFace:
			b.WriteString("[face]")
		case SegmentFile:
			if name := s.Str("name"); name != "" {
				b.WriteString("[file: " + name + "]")
			} else {
				b.WriteString("[file]")
			}
		case SegmentRecord:
			b.WriteString("[voice]")
		case SegmentVideo:
			b.WriteString("[video]")
		case SegmentForward:
			b.WriteString("[forwarded messages]")
		case SegmentJSON:
			b.WriteString("[card]")
		case SegmentReply, SegmentPoke:
			// reply markers carry no visible text of their own
		default:
			b.WriteString("[" + string(s.Type) + "]")
		}
	}

	return strings.TrimSpace(b.String())
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
