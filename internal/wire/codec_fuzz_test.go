package wire

import "testing"

func FuzzDecodeCommand(f *testing.F) {
	f.Add([]byte("cPID0\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	f.Add([]byte{'l'})
	f.Fuzz(func(t *testing.T, data []byte) {
		cmd, ok := DecodeCommand(data)
		if ok && len(cmd.Name) > NameSize {
			t.Fatalf("name longer than %d bytes: %q", NameSize, cmd.Name)
		}
	})
}

func FuzzDecodeServerFrame(f *testing.F) {
	f.Add(EncodeData("PID0", 1, 2))
	f.Add(EncodeListEntry("PID0", true))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeServerFrame(data)
	})
}
