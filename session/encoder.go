package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Version 1 used a single length byte per string.
	presenceFormatVersionV1      = 1
	presenceFormatVersionCurrent = 2

	// maxPresenceField bounds each string field of a record.
	maxPresenceField = 1 << 16

	flagAnonymous byte = 1 << 0
)

// Encode serializes a presence record into its compact binary form. Strings
// are uvarint length-prefixed.
func Encode(p *Presence) ([]byte, error) {
	buf := make([]byte, 0, 32+len(p.ConnID)+len(p.SubjectID)+len(p.Role)+len(p.RemoteAddr))
	buf = append(buf, presenceFormatVersionCurrent)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"connID", p.ConnID},
		{"subjectID", p.SubjectID},
		{"role", p.Role},
		{"remoteAddr", p.RemoteAddr},
	} {
		if len(field.value) > maxPresenceField {
			return nil, errors.New(field.name + " too long")
		}
		buf = binary.AppendUvarint(buf, uint64(len(field.value)))
		buf = append(buf, field.value...)
	}

	var flags byte
	if p.Anonymous {
		flags |= flagAnonymous
	}
	buf = append(buf, flags)

	buf = binary.BigEndian.AppendUint64(buf, uint64(p.ConnectedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.LastSeen))
	return buf, nil
}

// Decode parses a record produced by [Encode], or by the version 1 encoder.
func Decode(data []byte) (*Presence, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	var readLen func() (uint64, error)
	switch version {
	case presenceFormatVersionV1:
		readLen = func() (uint64, error) {
			n, err := reader.ReadByte()
			return uint64(n), err
		}
	case presenceFormatVersionCurrent:
		readLen = func() (uint64, error) {
			return binary.ReadUvarint(reader)
		}
	default:
		return nil, errors.New("invalid presence version")
	}

	p := &Presence{}
	for _, dst := range []*string{&p.ConnID, &p.SubjectID, &p.Role, &p.RemoteAddr} {
		n, err := readLen()
		if err != nil {
			return nil, err
		}
		if n > maxPresenceField || n > uint64(reader.Len()) {
			return nil, errors.New("presence field length out of range")
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&^flagAnonymous != 0 {
		return nil, errors.New("unknown presence flags")
	}
	p.Anonymous = flags&flagAnonymous != 0

	if err := binary.Read(reader, binary.BigEndian, &p.ConnectedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &p.LastSeen); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing presence bytes")
	}

	return p, nil
}
