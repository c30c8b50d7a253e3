// Package event defines the unit of inbound work queued per identity.
package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// ErrUnknownKind is returned when a stored payload carries an unsupported type tag.
var ErrUnknownKind = errors.New("unknown event kind")

// File is the payload of a File event.
type File struct {
	Filename string
	Data     []byte
}

// Event is immutable once enqueued. Exactly one of Text or File is meaningful,
// selected by Kind.
type Event struct {
	Kind Kind
	Text string
	File *File
}

// NewText returns a Text event.
func NewText(text string) Event {
	return Event{Kind: KindText, Text: text}
}

// NewFile returns a File event. An empty filename is replaced with
// "unknown_file".
func NewFile(filename string, data []byte) Event {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "unknown_file"
	}
	return Event{Kind: KindFile, File: &File{Filename: filename, Data: data}}
}

// Size is the payload size in bytes.
func (e Event) Size() int {
	if e.Kind == KindFile && e.File != nil {
		return len(e.File.Data)
	}
	return len(e.Text)
}

// wireEvent is the stored representation. It stays compatible with queues
// written by earlier deployments: {"type":"text","content":...} and
// {"type":"file","filename":...,"base64":...}.
type wireEvent struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Filename string `json:"filename,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindText:
		return json.Marshal(wireEvent{Type: string(KindText), Content: e.Text})
	case KindFile:
		if e.File == nil {
			return nil, fmt.Errorf("file event without payload")
		}
		return json.Marshal(wireEvent{
			Type:     string(KindFile),
			Filename: e.File.Filename,
			Base64:   base64.StdEncoding.EncodeToString(e.File.Data),
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch Kind(w.Type) {
	case KindText:
		*e = NewText(w.Content)
	case KindFile:
		raw, err := base64.StdEncoding.DecodeString(w.Base64)
		if err != nil {
			return fmt.Errorf("decode file payload: %w", err)
		}
		*e = NewFile(w.Filename, raw)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	return nil
}

// Encode serializes an event for storage.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeError reports a stored payload that could not be decoded. The raw
// bytes are kept so the caller can dead-letter them.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a stored payload. Failures are returned as *DecodeError.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, &DecodeError{Raw: raw, Err: err}
	}
	return e, nil
}
