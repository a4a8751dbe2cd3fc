// Package proto implements the wire codec for player sessions: a
// one-byte method tag, a big-endian length prefix, and a msgpack
// payload. The codec is version-stable; adding a method means adding
// a tag, never reshaping the frame.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Tag identifies the packet method.
type Tag uint8

// Inbound and outbound method tags.
const (
	TagSnapshot Tag = iota + 1
	TagChatAdded
	TagCommand
	TagEntityAdded
	TagEntityModified
	TagEntityRemoved
	TagEntityEvent
	TagBlueprintAdded
	TagBlueprintModified
	TagBlueprintRemoved
	TagSettingsModified
	TagSpawnModified
	TagPlayerTeleport
	TagPlayerPush
	TagPlayerSessionAvatar
	TagPing
	TagPong
	TagKick
	TagAIRequest
)

var tagNames = map[Tag]string{
	TagSnapshot:            "snapshot",
	TagChatAdded:           "chatAdded",
	TagCommand:             "command",
	TagEntityAdded:         "entityAdded",
	TagEntityModified:      "entityModified",
	TagEntityRemoved:       "entityRemoved",
	TagEntityEvent:         "entityEvent",
	TagBlueprintAdded:      "blueprintAdded",
	TagBlueprintModified:   "blueprintModified",
	TagBlueprintRemoved:    "blueprintRemoved",
	TagSettingsModified:    "settingsModified",
	TagSpawnModified:       "spawnModified",
	TagPlayerTeleport:      "playerTeleport",
	TagPlayerPush:          "playerPush",
	TagPlayerSessionAvatar: "playerSessionAvatar",
	TagPing:                "ping",
	TagPong:                "pong",
	TagKick:                "kick",
	TagAIRequest:           "aiRequest",
}

// Name returns the method name for logging; unknown tags report as
// "unknown".
func (t Tag) Name() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the tag is part of the method table.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// frame layout: tag(1) + payload length(4, big endian) + payload.
const headerSize = 5

// maxPayload bounds a single frame; anything larger is a protocol
// violation, not a legitimate packet.
const maxPayload = 16 << 20

var (
	// ErrShortPacket means the frame is truncated.
	ErrShortPacket = errors.New("proto: short packet")
	// ErrBadTag means the method tag is not in the table.
	ErrBadTag = errors.New("proto: unknown tag")
	// ErrOversized means the declared payload exceeds the frame bound.
	ErrOversized = errors.New("proto: oversized payload")
)

// WritePacket frames a payload under the given method tag. Struct
// payloads encode under their json tags so the wire names match the
// persisted record shape.
func WritePacket(tag Tag, payload any) ([]byte, error) {
	if !tag.Valid() {
		return nil, ErrBadTag
	}
	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	if body.Len() > maxPayload {
		return nil, ErrOversized
	}
	out := make([]byte, headerSize+body.Len())
	out[0] = byte(tag)
	binary.BigEndian.PutUint32(out[1:5], uint32(body.Len()))
	copy(out[headerSize:], body.Bytes())
	return out, nil
}

// ReadPacket splits a frame into its tag and raw msgpack payload.
func ReadPacket(data []byte) (Tag, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, ErrShortPacket
	}
	tag := Tag(data[0])
	if !tag.Valid() {
		return 0, nil, ErrBadTag
	}
	size := binary.BigEndian.Uint32(data[1:5])
	if size > maxPayload {
		return 0, nil, ErrOversized
	}
	if len(data) != headerSize+int(size) {
		return 0, nil, ErrShortPacket
	}
	return tag, data[headerSize:], nil
}

// Unmarshal decodes a packet payload into v, honoring json tags the
// same way WritePacket does.
func Unmarshal(payload []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
