package tuya

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ProtocolVersion is the key-value protocol generation spoken on the wire.
type ProtocolVersion string

const ProtocolV33 ProtocolVersion = "3.3"

// Command identifies the frame type on the local TCP session.
type Command uint32

const (
	CmdControl   Command = 0x07
	CmdStatus    Command = 0x08
	CmdHeartBeat Command = 0x09
	CmdDpQuery   Command = 0x0a
	CmdDpRefresh Command = 0x12
)

const (
	framePrefix  uint32 = 0x000055aa
	frameSuffix  uint32 = 0x0000aa55
	headerLen           = 16 // prefix + seq + cmd + length
	trailerLen          = 8  // crc32 + suffix
	maxFrameLen         = 1 << 16
)

// Message is a single decoded protocol frame. Payload holds the
// decrypted plaintext (JSON for every command that carries data).
type Message struct {
	Seq        uint32
	Cmd        Command
	ReturnCode uint32
	Payload    []byte
}

// encodeFrame builds a client frame. Non-empty payloads are AES-ECB
// encrypted with the local key; control-type commands additionally
// carry the 15-byte "3.3" version header.
func encodeFrame(msg Message, localKey string) ([]byte, error) {
	payload := msg.Payload
	if len(payload) > 0 {
		enc, err := aesEcbEncrypt(payload, []byte(localKey))
		if err != nil {
			return nil, err
		}
		payload = enc
		if msg.Cmd != CmdDpQuery {
			header := make([]byte, 15)
			copy(header, ProtocolV33)
			payload = append(header, payload...)
		}
	}

	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, framePrefix)
	_ = binary.Write(buf, binary.BigEndian, msg.Seq)
	_ = binary.Write(buf, binary.BigEndian, uint32(msg.Cmd))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)+trailerLen))
	buf.Write(payload)
	checksum := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(buf, binary.BigEndian, checksum)
	_ = binary.Write(buf, binary.BigEndian, frameSuffix)
	return buf.Bytes(), nil
}

type frameDecoder struct {
	localKey string
	buffer   []byte
}

func newFrameDecoder(localKey string) *frameDecoder {
	return &frameDecoder{localKey: localKey}
}

// Feed appends raw bytes and drains every complete frame from the
// buffer. Garbage between frames is skipped a byte at a time; a frame
// that fails its checksum or cannot be decrypted is dropped and the
// drain continues with the next frame.
func (d *frameDecoder) Feed(data []byte) []Message {
	d.buffer = append(d.buffer, data...)
	var messages []Message
	for {
		if len(d.buffer) < headerLen {
			return messages
		}
		if binary.BigEndian.Uint32(d.buffer[:4]) != framePrefix {
			d.buffer = d.buffer[1:]
			continue
		}
		length := binary.BigEndian.Uint32(d.buffer[12:16])
		if length < trailerLen || length > maxFrameLen {
			d.buffer = d.buffer[1:]
			continue
		}
		frameLen := headerLen + int(length)
		if len(d.buffer) < frameLen {
			return messages
		}
		frame := d.buffer[:frameLen]
		d.buffer = d.buffer[frameLen:]
		msg, err := d.decodeFrame(frame)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
}

func (d *frameDecoder) decodeFrame(frame []byte) (Message, error) {
	if binary.BigEndian.Uint32(frame[len(frame)-4:]) != frameSuffix {
		return Message{}, errors.New("missing frame suffix")
	}
	checksum := binary.BigEndian.Uint32(frame[len(frame)-8 : len(frame)-4])
	if crc32.ChecksumIEEE(frame[:len(frame)-8]) != checksum {
		return Message{}, errors.New("checksum mismatch")
	}

	msg := Message{
		Seq: binary.BigEndian.Uint32(frame[4:8]),
		Cmd: Command(binary.BigEndian.Uint32(frame[8:12])),
	}
	payload := frame[headerLen : len(frame)-trailerLen]
	if len(payload) == 0 {
		return msg, nil
	}

	// Device frames lead with a 4-byte return code, client frames do
	// not, and nothing in the header says which kind this is. Decode
	// as-is first, then retry with the return code stripped.
	if plain, err := decodePayload(payload, d.localKey); err == nil {
		msg.Payload = plain
		return msg, nil
	}
	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4])&0xFFFFFF00 == 0 {
		msg.ReturnCode = binary.BigEndian.Uint32(payload[:4])
		rest := payload[4:]
		if len(rest) == 0 {
			return msg, nil
		}
		plain, err := decodePayload(rest, d.localKey)
		if err == nil {
			msg.Payload = plain
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("undecodable payload (cmd %#x)", uint32(msg.Cmd))
}

func decodePayload(payload []byte, localKey string) ([]byte, error) {
	if bytes.HasPrefix(payload, []byte(ProtocolV33)) {
		if len(payload) <= 15 {
			return nil, errors.New("truncated version header")
		}
		payload = payload[15:]
	}
	// Some firmwares answer status pushes in the clear.
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		return payload, nil
	}
	return aesEcbDecrypt(payload, []byte(localKey))
}
