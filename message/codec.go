package message

import (
	"encoding/binary"
	"errors"
)

// This file is the supplementary wire codec mentioned in SPEC_FULL.md: the
// core endpoint package never imports it and is tested exclusively against
// decoded *Message values (spec §1 non-goal: "the core does not parse or
// emit bytes"). It exists so the concrete transports in transport/udp and
// transport/coapws have a real RFC 7252 §3-shaped encoding to put on the
// wire for the cmd/coap-server and cmd/coap-client demos.

var (
	ErrShortPacket   = errors.New("message: packet shorter than header")
	ErrBadVersion    = errors.New("message: unsupported CoAP version")
	ErrBadTokenLen   = errors.New("message: token length out of range")
	ErrOptionOverrun = errors.New("message: option overruns packet")
)

const coapVersion = 1

// Encode serializes m into its RFC 7252 §3 binary form. Remote is not
// part of the wire encoding; it is supplied out of band by the transport.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrBadTokenLen
	}

	buf := make([]byte, 4, 4+len(m.Token)+16+len(m.Payload))
	buf[0] = coapVersion<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	buf[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MsgID)
	buf = append(buf, m.Token...)

	sorted := make(OptionSet, len(m.Options))
	copy(sorted, m.Options)
	stableSortOptions(sorted)

	var lastNum OptionNumber
	for _, o := range sorted {
		delta := int(o.Number) - int(lastNum)
		lastNum = o.Number
		buf = appendOption(buf, delta, o.Value)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func stableSortOptions(os OptionSet) {
	// insertion sort: option counts per message are small and this keeps
	// equal-number options in their original (already-ordered) relative
	// position, which matters for repeatable options like URIPath.
	for i := 1; i < len(os); i++ {
		for j := i; j > 0 && os[j-1].Number > os[j].Number; j-- {
			os[j-1], os[j] = os[j], os[j-1]
		}
	}
}

func appendOption(buf []byte, delta int, value []byte) []byte {
	length := len(value)
	dn, de := nibble(delta)
	ln, le := nibble(length)
	buf = append(buf, byte(dn<<4|ln))
	buf = append(buf, de...)
	buf = append(buf, le...)
	return append(buf, value...)
}

// nibble returns the 4-bit nibble to encode and any extended-length bytes
// per RFC 7252 §3.1.
func nibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

// Decode parses raw into a Message. The caller fills in Remote afterward.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 4 {
		return nil, ErrShortPacket
	}
	if raw[0]>>6 != coapVersion {
		return nil, ErrBadVersion
	}
	tkl := int(raw[0] & 0x0F)
	if tkl > 8 {
		return nil, ErrBadTokenLen
	}
	m := &Message{
		Type:  Type((raw[0] >> 4) & 0x3),
		Code:  Code(raw[1]),
		MsgID: binary.BigEndian.Uint16(raw[2:4]),
	}
	pos := 4
	if tkl > 0 {
		if pos+tkl > len(raw) {
			return nil, ErrShortPacket
		}
		m.Token = append(Token{}, raw[pos:pos+tkl]...)
		pos += tkl
	}

	lastNum := OptionNumber(0)
	for pos < len(raw) {
		if raw[pos] == 0xFF {
			pos++
			m.Payload = append([]byte{}, raw[pos:]...)
			break
		}
		dn := int(raw[pos] >> 4)
		ln := int(raw[pos] & 0x0F)
		pos++

		delta, newPos, err := extended(raw, pos, dn)
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := extended(raw, pos, ln)
		if err != nil {
			return nil, err
		}
		pos = newPos

		if pos+length > len(raw) {
			return nil, ErrOptionOverrun
		}
		lastNum += OptionNumber(delta)
		m.Options.Add(lastNum, append([]byte{}, raw[pos:pos+length]...))
		pos += length
	}
	return m, nil
}

func extended(raw []byte, pos, nibbleVal int) (int, int, error) {
	switch nibbleVal {
	case 13:
		if pos+1 > len(raw) {
			return 0, 0, ErrShortPacket
		}
		return int(raw[pos]) + 13, pos + 1, nil
	case 14:
		if pos+2 > len(raw) {
			return 0, 0, ErrShortPacket
		}
		return int(binary.BigEndian.Uint16(raw[pos:pos+2])) + 269, pos + 2, nil
	case 15:
		return 0, 0, ErrShortPacket
	default:
		return nibbleVal, pos, nil
	}
}
