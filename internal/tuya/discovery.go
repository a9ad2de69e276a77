package tuya

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"time"
)

const (
	discoveryPortPlain     = 6666
	discoveryPortEncrypted = 6667
)

// Announcement is one decoded discovery broadcast.
type Announcement struct {
	DeviceID string
	IP       string
	Version  string
}

type announcementPayload struct {
	GwID    string `json:"gwId"`
	IP      string `json:"ip"`
	Version string `json:"version"`
}

// Discover listens for UDP announcements until the context deadline (or
// timeout) elapses and returns the address of the device with the given
// id. Protocol 3.3+ devices broadcast encrypted frames on 6667; the
// plaintext 6666 port is tried when 6667 cannot be bound.
func Discover(ctx context.Context, deviceID string, timeout time.Duration) (string, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: discoveryPortEncrypted})
	if err != nil {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: discoveryPortPlain})
		if err != nil {
			return "", err
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", errors.New("device not found on broadcast")
			}
			return "", err
		}
		ann, err := decodeAnnouncement(buf[:n])
		if err != nil {
			continue
		}
		if ann.DeviceID != deviceID {
			continue
		}
		if ann.IP == "" {
			ann.IP = src.IP.String()
		}
		return ann.IP, nil
	}
}

func decodeAnnouncement(data []byte) (Announcement, error) {
	if len(data) < headerLen+trailerLen {
		return Announcement{}, errors.New("announcement too short")
	}
	payload := data[headerLen : len(data)-trailerLen]
	plain, err := announcementPlaintext(payload)
	if err != nil {
		return Announcement{}, err
	}
	var parsed announcementPayload
	if err := json.Unmarshal(plain, &parsed); err != nil {
		return Announcement{}, err
	}
	if parsed.GwID == "" {
		return Announcement{}, errors.New("announcement missing gwId")
	}
	return Announcement{DeviceID: parsed.GwID, IP: parsed.IP, Version: parsed.Version}, nil
}

// announcementPlaintext recovers the JSON body of a broadcast. Older
// firmwares send plaintext; 3.3+ encrypts with the shared UDP key, with
// or without a leading 4-byte return code.
func announcementPlaintext(payload []byte) ([]byte, error) {
	if len(payload) > 0 && payload[0] == '{' {
		return payload, nil
	}
	if plain, err := aesEcbDecrypt(payload, udpKey()); err == nil {
		return plain, nil
	}
	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4])&0xFFFFFF00 == 0 {
		return aesEcbDecrypt(payload[4:], udpKey())
	}
	return nil, errors.New("undecodable announcement payload")
}
