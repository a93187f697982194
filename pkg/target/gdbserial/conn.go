// Package gdbserial reads the memory of a running kernel through a stub
// speaking the GDB Remote Serial Protocol, such as the one built into QEMU
// (-gdb tcp::1234) or a JTAG probe server.
//
// Only the packets needed to read memory are implemented: the client never
// resumes, stops or modifies the target.
package gdbserial

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
)

const (
	defaultPacketSize          = 256
	defaultMaxTransmitAttempts = 3
	gdbWireMaxLen              = 120
)

// DefaultTimeout bounds every request/response exchange.
var DefaultTimeout = 10 * time.Second

// Conn is a connection to a gdb stub.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	mu     sync.Mutex
	inbuf  []byte
	outbuf bytes.Buffer

	packetSize          int  // maximum packet size supported by stub
	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read
	timeout             time.Duration

	log *logrus.Entry
}

// ErrTooManyAttempts is returned when a packet could not be exchanged
// without checksum errors.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

// Dial connects to the stub listening at addr ("host:port").
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := NewConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return conn, nil
}

// NewConn performs the protocol handshake over c.
func NewConn(c net.Conn) (*Conn, error) {
	conn := &Conn{
		conn:                c,
		rdr:                 bufio.NewReader(c),
		inbuf:               make([]byte, 0, defaultPacketSize),
		packetSize:          defaultPacketSize,
		ack:                 true,
		maxTransmitAttempts: defaultMaxTransmitAttempts,
		timeout:             DefaultTimeout,
		log:                 logflags.GdbWireLogger(),
	}
	if err := conn.handshake(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (conn *Conn) handshake() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	if err := conn.qSupported(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	conn.log.Debugf("handshake done: packet size %d, acks %v", conn.packetSize, conn.ack)
	return nil
}

// qSupported reads the packet size from the qSupported response.
func (conn *Conn) qSupported() error {
	respBuf, err := conn.exec([]byte("$qSupported"), "init/qSupported")
	if err != nil {
		return err
	}
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		equal := strings.Index(stubfeature, "=")
		if equal < 0 || stubfeature[:equal] != "PacketSize" {
			continue
		}
		if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil && n > 4 {
			conn.packetSize = int(n)
		}
	}
	return nil
}

// disableAck disables protocol acks.
func (conn *Conn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// PacketSize returns the maximum packet size negotiated with the stub.
func (conn *Conn) PacketSize() int {
	return conn.packetSize
}

// ReadMemory implements target.MemoryReader. An error reply from the stub
// is reported as target.ErrUnmappedMemory.
func (conn *Conn) ReadMemory(buf []byte, addr uint64) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	n, err := conn.readMemory(buf, addr)
	var gdberr *GdbProtocolError
	if errors.As(err, &gdberr) && gdberr.code != "" {
		return n, fmt.Errorf("%v: %w", err, target.ErrUnmappedMemory)
	}
	return n, err
}

// executes 'm' (read memory) command
func (conn *Conn) readMemory(data []byte, addr uint64) (int, error) {
	read := 0
	for read < len(data) {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := len(data) - read
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(read), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return read, err
		}
		if len(resp)%2 != 0 || len(resp)/2 > sz {
			return read, fmt.Errorf("malformed memory read response %q", resp)
		}
		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return read, fmt.Errorf("malformed memory read response %q", resp)
			}
			data[read] = uint8(n)
			read++
		}
		if len(resp)/2 < sz {
			// The stub stopped at the end of a mapped region.
			return read, fmt.Errorf("short read at %#x: %w", addr+uint64(read), target.ErrUnmappedMemory)
		}
	}
	return read, nil
}

// Close closes the connection. The target is left in whatever state the
// stub keeps it in.
func (conn *Conn) Close() error {
	return conn.conn.Close()
}

func (conn *Conn) exec(cmd []byte, context string) ([]byte, error) {
	if conn.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(conn.timeout))
		defer conn.conn.SetDeadline(time.Time{})
	}
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *Conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		if _, err := conn.conn.Write(cmd); err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *Conn) recv(cmd []byte, context string) (resp []byte, err error) {
	var csum [2]byte
	attempt := 0
	for {
		if err := conn.skipToPacket(); err != nil {
			return nil, err
		}
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			if len(out) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(out[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			}
		}

		if checksumok(resp, csum[:]) {
			if conn.ack {
				conn.sendack('+')
			}
			break
		}
		if !conn.ack {
			return nil, fmt.Errorf("bad checksum %s during %s", csum[:], context)
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		return nil, &GdbProtocolError{context, string(cmd), string(resp)}
	}

	return resp, nil
}

// skipToPacket discards input up to the start of the next packet. Stray
// acks and notification packets (which start with '%') are skipped.
func (conn *Conn) skipToPacket() error {
	for {
		b, err := conn.rdr.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case '$':
			return conn.rdr.UnreadByte()
		case '%':
			if _, err := conn.rdr.ReadBytes('#'); err != nil {
				return err
			}
			if _, err := conn.rdr.Discard(2); err != nil {
				return err
			}
		}
	}
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *Conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *Conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the protocol to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in, a packet starting with '$' and
// terminated by '#', into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, defaultPacketSize)
	}

	for i := 1; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf
		case '*': // runlength encoding marker
			if i+1 >= len(in) || len(buf) == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
