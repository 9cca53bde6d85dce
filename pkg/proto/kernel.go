// Package proto defines the wire messages exchanged with the interpreter
// process and the state names shared by the control machine.
//
// Interpreter messages are newline-delimited JSON envelopes modelled on the
// Jupyter messaging protocol: a header naming the message kind, the header of
// the request that caused it, and a kind-specific content object.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgType names a kernel message kind.
type MsgType string

const (
	// Requests (client -> kernel).
	MsgKernelInfoRequest MsgType = "kernel_info_request"
	MsgExecuteRequest    MsgType = "execute_request"
	MsgShutdownRequest   MsgType = "shutdown_request"

	// Replies and broadcasts (kernel -> client).
	MsgKernelInfoReply MsgType = "kernel_info_reply"
	MsgExecuteReply    MsgType = "execute_reply"
	MsgShutdownReply   MsgType = "shutdown_reply"
	MsgStatus          MsgType = "status"
	MsgStream          MsgType = "stream"
	MsgExecuteInput    MsgType = "execute_input"
	MsgExecuteResult   MsgType = "execute_result"
	MsgDisplayData     MsgType = "display_data"
	MsgError           MsgType = "error"
)

// ExecutionState values carried by status messages.
const (
	ExecutionStarting = "starting"
	ExecutionBusy     = "busy"
	ExecutionIdle     = "idle"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// MIMETextPlain is the plain-text representation key in rich output bundles.
const MIMETextPlain = "text/plain"

// Header identifies a message.
type Header struct {
	MsgID   string    `json:"msg_id"`
	MsgType MsgType   `json:"msg_type"`
	Date    time.Time `json:"date,omitempty"`
}

// KernelMsg is one line on the wire.
type KernelMsg struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Content      json.RawMessage `json:"content"`
}

// StatusContent reports kernel activity.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is text written to stdout or stderr.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// MimeBundle maps MIME types to representations.
type MimeBundle map[string]any

// Text returns the text/plain representation, if present.
func (b MimeBundle) Text() (string, bool) {
	v, ok := b[MIMETextPlain]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		// nbformat allows multiline strings as lists of lines.
		var s string
		for _, line := range t {
			if ls, ok := line.(string); ok {
				s += ls
			}
		}
		return s, true
	}
	return "", false
}

// DisplayContent carries execute_result and display_data payloads.
type DisplayContent struct {
	Data           MimeBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// ErrorContent describes an uncaught exception.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ExecuteRequestContent asks the kernel to run code.
type ExecuteRequestContent struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
}

// ExecuteReplyContent closes an execute request on the shell side.
type ExecuteReplyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

// KernelInfoContent answers a kernel_info_request.
type KernelInfoContent struct {
	Implementation string `json:"implementation"`
	LanguageInfo   struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"language_info"`
}

// NewRequest builds a request envelope with a fresh message id.
func NewRequest(msgType MsgType, content any) (*KernelMsg, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", msgType, err)
	}
	return &KernelMsg{
		Header: Header{
			MsgID:   uuid.New().String(),
			MsgType: msgType,
			Date:    time.Now().UTC(),
		},
		Content: raw,
	}, nil
}

// Type returns the message kind.
func (m *KernelMsg) Type() MsgType {
	return m.Header.MsgType
}

// ParentID returns the id of the request this message answers.
func (m *KernelMsg) ParentID() string {
	return m.ParentHeader.MsgID
}

// Decode unmarshals the content into v.
func (m *KernelMsg) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// ParseKernelMsg decodes one wire line.
func ParseKernelMsg(line []byte) (*KernelMsg, error) {
	var msg KernelMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kernel message: %w", err)
	}
	if msg.Header.MsgType == "" {
		return nil, fmt.Errorf("kernel message missing msg_type")
	}
	return &msg, nil
}
