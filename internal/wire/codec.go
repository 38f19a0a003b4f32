package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type Command struct {
	Tag  Tag
	Name string
}

func EncodeCommand(cmd Command) []byte {
	buf := make([]byte, CommandSize)
	buf[0] = byte(cmd.Tag)
	putName(buf[1:], cmd.Name)
	return buf
}

// DecodeCommand parses one buffered command frame. It reports false for a
// short buffer or an unknown tag; callers drop such frames.
func DecodeCommand(buf []byte) (Command, bool) {
	if len(buf) < CommandSize {
		return Command{}, false
	}
	tag := Tag(buf[0])
	if !tag.validCommand() {
		return Command{}, false
	}
	cmd := Command{Tag: tag}
	if tag != TagList {
		cmd.Name = readName(buf[1:])
	}
	return cmd, true
}

func EncodeData(name string, elapsedMs uint64, value float32) []byte {
	buf := make([]byte, DataSize)
	buf[0] = byte(TagData)
	putName(buf[1:], name)
	binary.BigEndian.PutUint64(buf[1+NameSize:], elapsedMs)
	binary.BigEndian.PutUint32(buf[1+NameSize+8:], math.Float32bits(value))
	return buf
}

func EncodeListEntry(name string, last bool) []byte {
	buf := make([]byte, ListEntrySize)
	buf[0] = byte(TagListEntry)
	putName(buf[1:], name)
	if last {
		buf[1+NameSize] = 1
	}
	return buf
}

// ServerFrame is a decoded server to client frame. Elapsed and Value are only
// meaningful for TagData, Last only for TagListEntry.
type ServerFrame struct {
	Tag       Tag
	Name      string
	ElapsedMs uint64
	Value     float32
	Last      bool
}

func DecodeServerFrame(buf []byte) (ServerFrame, error) {
	if len(buf) < ServerFrameSize {
		return ServerFrame{}, fmt.Errorf("short server frame: %d bytes", len(buf))
	}
	f := ServerFrame{Tag: Tag(buf[0]), Name: readName(buf[1:])}
	switch f.Tag {
	case TagData:
		f.ElapsedMs = binary.BigEndian.Uint64(buf[1+NameSize:])
		f.Value = math.Float32frombits(binary.BigEndian.Uint32(buf[1+NameSize+8:]))
	case TagListEntry:
		f.Last = buf[1+NameSize] != 0
	default:
		return ServerFrame{}, fmt.Errorf("unknown server frame tag %q", byte(f.Tag))
	}
	return f, nil
}

func WriteCommand(w io.Writer, cmd Command) error {
	_, err := w.Write(EncodeCommand(cmd))
	return err
}

func ReadServerFrame(r io.Reader) (ServerFrame, error) {
	var buf [ServerFrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ServerFrame{}, err
	}
	return DecodeServerFrame(buf[:])
}
