package delivery

import (
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/tsbridge/dvbstreamer-go/internal/tspacket"
)

// DefaultMTU is the conservative MTU spec.md §4.6 specifies for sizing UDP
// datagrams, giving 7 TS packets per datagram after IP/UDP headers.
const DefaultMTU = 1400

const (
	ipHeaderSize  = 20
	udpHeaderSize = 8
)

// packetsPerDatagram returns the number of 188-byte TS packets that fit in
// one UDP datagram at the given MTU, per spec.md's
// ⌊(MTU − IP_HEADER − UDP_HEADER) / 188⌋ rule.
func packetsPerDatagram(mtu int) int {
	avail := mtu - ipHeaderSize - udpHeaderSize
	if avail < tspacket.Size {
		return 1
	}
	return avail / tspacket.Size
}

// UDPHandler accepts scheme "udp" with a host:port target, e.g.
// "udp://239.1.1.1:5000" or "udp://127.0.0.1:5000".
type UDPHandler struct {
	// MTU overrides DefaultMTU when non-zero; exposed for tests.
	MTU int
}

func (UDPHandler) CanHandle(mrl string) bool { return schemeOf(mrl) == SchemeUDP }

func (h UDPHandler) CreateInstance(mrl string) (Instance, error) {
	u, err := url.Parse(mrl)
	if err != nil {
		return nil, fmt.Errorf("delivery: parsing udp MRL %q: %w", mrl, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("delivery: udp MRL %q has no host:port", mrl)
	}

	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("delivery: dialing udp %s: %w", u.Host, err)
	}

	mtu := h.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	return &udpInstance{
		conn:        conn,
		perDatagram: packetsPerDatagram(mtu),
	}, nil
}

// udpInstance batches incoming TS packets into MTU-bounded datagrams,
// flushing whenever the batch is full; Destroy flushes any partial batch.
type udpInstance struct {
	mu          sync.Mutex
	conn        net.Conn
	header      []byte
	headerSpace int
	perDatagram int
	buf         []byte
	bufCount    int
}

func (u *udpInstance) ReserveHeaderSpace(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.headerSpace = n
}

func (u *udpInstance) SetHeader(header []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.header = append([]byte(nil), header...)
}

func (u *udpInstance) OutputPacket(packet []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.buf == nil {
		u.buf = make([]byte, 0, u.headerSpace+len(u.header)+u.perDatagram*tspacket.Size)
	}
	if u.bufCount == 0 {
		u.buf = u.buf[:0]
		if u.headerSpace > 0 {
			u.buf = append(u.buf, make([]byte, u.headerSpace)...)
		}
		u.buf = append(u.buf, u.header...)
	}
	u.buf = append(u.buf, packet...)
	u.bufCount++

	if u.bufCount >= u.perDatagram {
		return u.flushLocked()
	}
	return nil
}

func (u *udpInstance) OutputBlock(block []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.flushLocked(); err != nil {
		return err
	}
	_, err := u.conn.Write(block)
	return err
}

func (u *udpInstance) flushLocked() error {
	if u.bufCount == 0 {
		return nil
	}
	_, err := u.conn.Write(u.buf)
	u.bufCount = 0
	return err
}

func (u *udpInstance) Destroy() error {
	u.mu.Lock()
	err := u.flushLocked()
	u.mu.Unlock()
	closeErr := u.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}
