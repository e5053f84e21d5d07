package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the "type" discriminator carried by every control message.
type Kind string

const (
	KindHeartbeat  Kind = "HEARTBEAT"
	KindQuery      Kind = "QUERY"
	KindQueryReply Kind = "QUERY_REPLY"
	KindCatalog    Kind = "CATALOG"
	KindGet        Kind = "GET"
	KindFileInfo   Kind = "FILE_INFO"
	KindError      Kind = "ERROR"
)

// Reasons carried in Error messages.
const (
	ReasonFileNotFound = "FILE_NOT_FOUND"
)

// ErrMalformed marks a frame that was received completely but could not be decoded.
var ErrMalformed = errors.New("malformed message")

// Message is implemented by every type that can travel over the control channel.
type Message interface {
	Kind() Kind
}

// --- Domain Types ---

// Heartbeat is a peer's full self-report. Port is the peer's download server port.
type Heartbeat struct {
	Files     []string          `json:"files"`
	Checksums map[string]string `json:"checksums"`
	Port      int               `json:"port"`
}

type Query struct {
	Filename string `json:"filename"`
}

// QueryReply lists holders as "host:port".
type QueryReply struct {
	Holders []string `json:"holders"`
}

// Catalog asks the tracker for its snapshot. The reply is raw text followed by close.
type Catalog struct{}

type Get struct {
	Filename string `json:"filename"`
}

// FileInfo announces that exactly Size raw bytes follow on the connection.
type FileInfo struct {
	Size int64 `json:"size"`
}

type Error struct {
	Message string `json:"message"`
}

func (Heartbeat) Kind() Kind  { return KindHeartbeat }
func (Query) Kind() Kind      { return KindQuery }
func (QueryReply) Kind() Kind { return KindQueryReply }
func (Catalog) Kind() Kind    { return KindCatalog }
func (Get) Kind() Kind        { return KindGet }
func (FileInfo) Kind() Kind   { return KindFileInfo }
func (Error) Kind() Kind      { return KindError }

func (e Error) Error() string { return e.Message }

// Encode renders msg as a single compact JSON object with a "type" field
// followed by the message's own fields.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	kind, err := json.Marshal(msg.Kind())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if fields := bytes.TrimSpace(body[1 : len(body)-1]); len(fields) > 0 {
		buf.WriteByte(',')
		buf.Write(fields)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses one encoded message. Any failure wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	var err error
	switch head.Type {
	case KindHeartbeat:
		var v Heartbeat
		err = json.Unmarshal(data, &v)
		msg = v
	case KindQuery:
		var v Query
		err = json.Unmarshal(data, &v)
		msg = v
	case KindQueryReply:
		var v QueryReply
		err = json.Unmarshal(data, &v)
		msg = v
	case KindCatalog:
		msg = Catalog{}
	case KindGet:
		var v Get
		err = json.Unmarshal(data, &v)
		msg = v
	case KindFileInfo:
		var v FileInfo
		err = json.Unmarshal(data, &v)
		msg = v
	case KindError:
		var v Error
		err = json.Unmarshal(data, &v)
		msg = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return msg, nil
}
