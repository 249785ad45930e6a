// Package delivery implements the MRL-addressed delivery method registry
// (spec.md §4.6): a small set of concrete sinks (null, UDP, file) that take
// raw TS packets or section blocks and push them somewhere, selected at
// runtime by a `<scheme>://<scheme-specific>` MRL string.
package delivery

import (
	"fmt"
	"net/url"
)

// URL scheme constants recognised by the built-in handlers.
const (
	SchemeNull = "null"
	SchemeUDP  = "udp"
	SchemeFile = "file"
)

// Instance is one active delivery-method session bound to a parsed MRL.
// reserve_header_space/set_header let a future protocol handler (e.g. RTP)
// reuse the same UDP batching without the registry needing to know about
// it.
type Instance interface {
	ReserveHeaderSpace(n int)
	SetHeader(header []byte)
	OutputPacket(packet []byte) error
	OutputBlock(block []byte) error
	Destroy() error
}

// Handler recognises and constructs instances for one MRL scheme family.
type Handler interface {
	CanHandle(mrl string) bool
	CreateInstance(mrl string) (Instance, error)
}

// Registry holds handlers in registration order and picks the first one
// that accepts a given MRL, per spec.md §4.6.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry with the null, UDP, and file handlers
// registered in that order, matching spec.md's "at minimum" list.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(NullHandler{})
	r.Register(UDPHandler{})
	r.Register(FileHandler{})
	return r
}

// Register appends h to the end of the handler chain.
func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Create parses mrl, finds the first registered handler that accepts it,
// and builds an instance.
func (r *Registry) Create(mrl string) (Instance, error) {
	for _, h := range r.handlers {
		if h.CanHandle(mrl) {
			return h.CreateInstance(mrl)
		}
	}
	return nil, fmt.Errorf("delivery: no registered handler accepts MRL %q", mrl)
}

// schemeOf returns the scheme of mrl as net/url parses it (lower-cased), or
// "" when mrl does not parse as a URL.
func schemeOf(mrl string) string {
	u, err := url.Parse(mrl)
	if err != nil {
		return ""
	}
	return u.Scheme
}
