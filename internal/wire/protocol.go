package wire

import "bytes"

// NameSize is the number of name bytes carried by every frame.
const NameSize = 15

const (
	CommandSize = 1 + NameSize
	DataSize    = 1 + NameSize + 8 + 4
	// ListEntrySize matches DataSize so the server stream is a sequence of
	// fixed-size records.
	ListEntrySize   = DataSize
	ServerFrameSize = DataSize
)

type Tag byte

// Client to server.
const (
	TagSubscribe   Tag = 'c'
	TagUnsubscribe Tag = 'd'
	TagList        Tag = 'l'
)

// Server to client.
const (
	TagData      Tag = 'd'
	TagListEntry Tag = 'l'
)

func (t Tag) validCommand() bool {
	return t == TagSubscribe || t == TagUnsubscribe || t == TagList
}

// WireName returns name as it travels on the wire: cut at the first NUL and
// truncated to NameSize bytes.
func WireName(name string) string {
	if i := indexNUL(name); i >= 0 {
		name = name[:i]
	}
	if len(name) > NameSize {
		name = name[:NameSize]
	}
	return name
}

func indexNUL(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}

func putName(dst []byte, name string) {
	n := copy(dst[:NameSize], WireName(name))
	for i := n; i < NameSize; i++ {
		dst[i] = 0
	}
}

func readName(src []byte) string {
	field := src[:NameSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
