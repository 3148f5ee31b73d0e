package dto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType names an inbound websocket frame.
type FrameType string

const (
	FrameSendMessage   FrameType = "send_message"
	FrameTyping        FrameType = "typing"
	FrameReadReceipt   FrameType = "read_receipt"
	FrameDeleteMessage FrameType = "delete_message"
	FrameEditMessage   FrameType = "edit_message"
	FrameReactMessage  FrameType = "react_message"
)

// ErrUnknownFrame is returned for frames whose type is not recognised.
var ErrUnknownFrame = errors.New("unknown frame type")

// ClientFrame is one of the inbound frame variants below.
type ClientFrame interface {
	FrameType() FrameType
}

// SendMessageFrame posts a message into the connection's thread.
type SendMessageFrame struct {
	Content                 string `json:"content" validate:"max=4000"`
	ClientEncryptedContent  string `json:"client_encrypted_content" validate:"max=16000"`
	ClientIV                string `json:"client_iv" validate:"max=64"`
	ClientEncryptionVersion int    `json:"client_encryption_version" validate:"min=0"`
	ReplyToID               *uint  `json:"reply_to_id"`
}

// TypingFrame toggles the caller's typing indicator.
type TypingFrame struct {
	IsTyping bool `json:"is_typing"`
}

// ReadReceiptFrame marks messages as read.
type ReadReceiptFrame struct {
	MessageIDs []uint `json:"message_ids" validate:"required,min=1,max=500"`
}

// DeleteMessageFrame deletes a message for the caller or everyone.
type DeleteMessageFrame struct {
	MessageID         uint `json:"message_id" validate:"required"`
	DeleteForEveryone bool `json:"delete_for_everyone"`
}

// EditMessageFrame replaces a message body.
type EditMessageFrame struct {
	MessageID uint   `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required,max=4000"`
}

// ReactMessageFrame toggles a reaction.
type ReactMessageFrame struct {
	MessageID uint   `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

func (SendMessageFrame) FrameType() FrameType   { return FrameSendMessage }
func (TypingFrame) FrameType() FrameType        { return FrameTyping }
func (ReadReceiptFrame) FrameType() FrameType   { return FrameReadReceipt }
func (DeleteMessageFrame) FrameType() FrameType { return FrameDeleteMessage }
func (EditMessageFrame) FrameType() FrameType   { return FrameEditMessage }
func (ReactMessageFrame) FrameType() FrameType  { return FrameReactMessage }

// DecodeClientFrame parses a raw frame into its typed variant.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var frame ClientFrame
	switch envelope.Type {
	case FrameSendMessage:
		var f SendMessageFrame
		frame = &f
	case FrameTyping:
		var f TypingFrame
		frame = &f
	case FrameReadReceipt:
		var f ReadReceiptFrame
		frame = &f
	case FrameDeleteMessage:
		var f DeleteMessageFrame
		frame = &f
	case FrameEditMessage:
		var f EditMessageFrame
		frame = &f
	case FrameReactMessage:
		var f ReactMessageFrame
		frame = &f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, envelope.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", envelope.Type, err)
	}
	return frame, nil
}

// ErrorFrame reports a failed frame back to its sender only.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
