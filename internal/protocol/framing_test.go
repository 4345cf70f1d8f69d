package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, &buf)

	msg, err := NewMessage(MsgSyncAck, "node-a", SyncAck{TransferID: "t1", DocID: "doc_1", Offset: 65536})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	if err := f.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, size, err := f.ReadMessageWithSize()
	if err != nil {
		t.Fatalf("ReadMessageWithSize: %v", err)
	}
	if size <= 0 {
		t.Errorf("size = %d, want > 0", size)
	}
	if got.ID != msg.ID || got.Type != msg.Type || got.From != msg.From {
		t.Errorf("envelope mismatch: got %+v", got)
	}

	var ack SyncAck
	if err := got.ParsePayload(&ack); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if ack.Offset != 65536 {
		t.Errorf("Offset = %d, want 65536", ack.Offset)
	}
}

func TestFramerSequentialMessages(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, &buf)

	for i := 0; i < 3; i++ {
		msg, _ := NewMessage(MsgHeartbeat, "node-a", struct{}{})
		if err := f.WriteMessage(msg); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := f.ReadMessage(); err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
	}
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, MaxMessageSize+1)
	buf.Write(lengthBuf)

	f := NewFramer(&buf, nil)
	if _, err := f.ReadMessage(); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ReadMessage = %v, want ErrMessageTooLarge", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode garbage = %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x","type":"no_such_type","from":"a","nonce":"b"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode unknown type = %v, want ErrMalformed", err)
	}
}

func TestEncodeDecodeUnframed(t *testing.T) {
	msg, _ := NewMessage(MsgDiscoveryBroadcast, "node-a", DiscoveryAnnounce{
		NodeID:   "node-a",
		Name:     "alice",
		SyncPort: 5001,
	})

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var ann DiscoveryAnnounce
	if err := got.ParsePayload(&ann); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if ann.NodeID != "node-a" || ann.SyncPort != 5001 {
		t.Errorf("announce = %+v", ann)
	}
}
