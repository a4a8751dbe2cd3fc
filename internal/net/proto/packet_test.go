package proto

import (
	"encoding/binary"
	"errors"
	"testing"

	"verse/server/internal/world"
)

func TestPacketRoundTrip(t *testing.T) {
	in := &world.Blueprint{
		ID:          "Tower__main",
		Version:     4,
		Name:        "Tower",
		ScriptEntry: "index.js",
		ScriptFiles: map[string]string{"index.js": "asset://t.js"},
		Props:       map[string]any{"height": int8(12)},
	}
	data, err := WritePacket(TagBlueprintAdded, in)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tag, payload, err := ReadPacket(data)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if tag != TagBlueprintAdded {
		t.Fatalf("expected blueprintAdded tag, got %s", tag.Name())
	}

	var out world.Blueprint
	if err := Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.ID != in.ID || out.Version != in.Version || out.Name != in.Name {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.ScriptFiles["index.js"] != "asset://t.js" {
		t.Fatalf("script files lost: %+v", out.ScriptFiles)
	}
}

func TestReadPacketRejectsTruncation(t *testing.T) {
	data, err := WritePacket(TagPing, map[string]any{"time": 1})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, _, err := ReadPacket(data[:3]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected short packet for truncated header, got %v", err)
	}
	if _, _, err := ReadPacket(data[:len(data)-1]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected short packet for truncated body, got %v", err)
	}
}

func TestReadPacketRejectsUnknownTag(t *testing.T) {
	data, err := WritePacket(TagPong, nil)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data[0] = 0xEE
	if _, _, err := ReadPacket(data); !errors.Is(err, ErrBadTag) {
		t.Fatalf("expected bad tag, got %v", err)
	}
	if _, err := WritePacket(Tag(0xEE), nil); !errors.Is(err, ErrBadTag) {
		t.Fatalf("expected bad tag on write, got %v", err)
	}
}

func TestReadPacketRejectsOversizedDeclaration(t *testing.T) {
	data, err := WritePacket(TagPong, nil)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	binary.BigEndian.PutUint32(data[1:5], maxPayload+1)
	if _, _, err := ReadPacket(data); !errors.Is(err, ErrOversized) {
		t.Fatalf("expected oversized, got %v", err)
	}
}
