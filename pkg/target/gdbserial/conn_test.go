package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/zeke-tools/kscope/pkg/target"
)

func TestWiredecode(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"$OK#", "OK"},
		{"$#", ""},
		{"$0* #", "0000"},      // ' ' is 32, three repeats
		{"$ab*\"cd#", "abbbbbbcd"}, // '"' is 34, five repeats
		{"$a}]b#", "a}b"},
		{"$E14#", "E14"},
	} {
		_, msg := wiredecode([]byte(tc.in), nil)
		if string(msg) != tc.out {
			t.Errorf("wiredecode(%q) = %q, expected %q", tc.in, msg, tc.out)
		}
	}
}

func TestChecksum(t *testing.T) {
	pkt := []byte("$m1000,4#")
	sum := checksum(pkt)
	if !checksumok(pkt, []byte(fmt.Sprintf("%02x", sum))) {
		t.Fatal("checksum of packet rejected")
	}
	if checksumok(pkt, []byte(fmt.Sprintf("%02x", sum+1))) {
		t.Fatal("wrong checksum accepted")
	}
	if checksumok([]byte("%Stop#"), []byte("00")) {
		t.Fatal("notification accepted as packet")
	}
}

// fakeStub serves memory reads for data mapped at base.
type fakeStub struct {
	conn       net.Conn
	base       uint64
	data       []byte
	packetSize int
	ack        bool
	requests   []string
	done       chan struct{}
}

func newFakeStub(conn net.Conn, base uint64, data []byte, packetSize int) *fakeStub {
	return &fakeStub{conn: conn, base: base, data: data, packetSize: packetSize, ack: true, done: make(chan struct{})}
}

func (s *fakeStub) serve() {
	defer close(s.done)
	rdr := bufio.NewReader(s.conn)
	for {
		b, err := rdr.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			continue
		}
		pkt, err := rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var csum [2]byte
		if _, err := io.ReadFull(rdr, csum[:]); err != nil {
			return
		}
		if s.ack {
			s.conn.Write([]byte{'+'})
		}
		body := string(pkt[:len(pkt)-1])
		s.requests = append(s.requests, body)
		s.reply(s.handle(body))
		if body == "QStartNoAckMode" {
			s.ack = false
		}
	}
}

func (s *fakeStub) handle(body string) string {
	switch {
	case body == "QStartNoAckMode":
		return "OK"
	case strings.HasPrefix(body, "qSupported"):
		return fmt.Sprintf("PacketSize=%x;QStartNoAckMode+", s.packetSize)
	case strings.HasPrefix(body, "m"):
		var addr, size uint64
		if _, err := fmt.Sscanf(body, "m%x,%x", &addr, &size); err != nil {
			return "E01"
		}
		if addr < s.base || addr >= s.base+uint64(len(s.data)) {
			return "E14"
		}
		end := addr + size
		if end > s.base+uint64(len(s.data)) {
			end = s.base + uint64(len(s.data))
		}
		return rle(fmt.Sprintf("%x", s.data[addr-s.base:end-s.base]))
	}
	return ""
}

// rle run length encodes runs of four or more characters.
func rle(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] == s[i] && j-i < 40 {
			j++
		}
		n := j - i
		b.WriteByte(s[i])
		if rep := n - 1; rep >= 3 && rep+29 != '#' && rep+29 != '$' {
			b.WriteByte('*')
			b.WriteByte(byte(rep + 29))
		} else {
			for k := 1; k < n; k++ {
				b.WriteByte(s[i])
			}
		}
		i = j
	}
	return b.String()
}

func (s *fakeStub) reply(body string) {
	sum := checksum([]byte("$" + body + "#"))
	s.conn.Write([]byte("$" + body + "#" + strconv.FormatUint(uint64(sum)>>4, 16) + strconv.FormatUint(uint64(sum)&0xf, 16)))
}

func startStub(t *testing.T, base uint64, data []byte, packetSize int) (*Conn, *fakeStub) {
	t.Helper()
	client, server := net.Pipe()
	stub := newFakeStub(server, base, data, packetSize)
	go stub.serve()
	conn, err := NewConn(client)
	if err != nil {
		client.Close()
		server.Close()
		<-stub.done
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.Close()
		<-stub.done
	})
	return conn, stub
}

func TestReadMemory(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i / 8)
	}
	t.Run("read", func(t *testing.T) {
		conn, stub := startStub(t, 0x1000, data, 20)
		if conn.PacketSize() != 20 {
			t.Fatalf("packet size %d", conn.PacketSize())
		}
		buf := make([]byte, 20)
		n, err := conn.ReadMemory(buf, 0x1004)
		if err != nil || n != 20 {
			t.Fatalf("ReadMemory = %d, %v", n, err)
		}
		if !bytes.Equal(buf, data[4:24]) {
			t.Fatalf("read %v, expected %v", buf, data[4:24])
		}
		var reads []string
		for _, req := range stub.requests {
			if strings.HasPrefix(req, "m") {
				reads = append(reads, req)
			}
		}
		// (20-4)/2 bytes per packet
		if want := []string{"m1004,8", "m100c,8", "m1014,4"}; strings.Join(reads, " ") != strings.Join(want, " ") {
			t.Fatalf("requests %v, expected %v", reads, want)
		}
	})
	t.Run("unmapped", func(t *testing.T) {
		conn, _ := startStub(t, 0x1000, data, 20)
		buf := make([]byte, 4)
		if _, err := conn.ReadMemory(buf, 0x2000); !errors.Is(err, target.ErrUnmappedMemory) {
			t.Fatalf("expected ErrUnmappedMemory, got %v", err)
		}
		buf = make([]byte, 16)
		n, err := conn.ReadMemory(buf, 0x1000+60)
		if !errors.Is(err, target.ErrUnmappedMemory) || n != 4 {
			t.Fatalf("read past end: %d, %v", n, err)
		}
	})
}
