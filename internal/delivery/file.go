package delivery

import (
	"fmt"
	"net/url"
	"os"
	"sync"
)

// FileHandler accepts scheme "file" with a path, e.g. "file:///tmp/out.ts"
// or "file://out.ts"; writes are appended to a single underlying file
// handle opened once per instance.
type FileHandler struct{}

func (FileHandler) CanHandle(mrl string) bool { return schemeOf(mrl) == SchemeFile }

func (FileHandler) CreateInstance(mrl string) (Instance, error) {
	u, err := url.Parse(mrl)
	if err != nil {
		return nil, fmt.Errorf("delivery: parsing file MRL %q: %w", mrl, err)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if u.Host != "" {
		// "file://relative/path" puts the first path segment in Host.
		path = u.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("delivery: file MRL %q has no path", mrl)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("delivery: opening %s: %w", path, err)
	}
	return &fileInstance{f: f}, nil
}

type fileInstance struct {
	mu     sync.Mutex
	f      *os.File
	header []byte
}

func (fi *fileInstance) ReserveHeaderSpace(int) {}

func (fi *fileInstance) SetHeader(header []byte) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.header = append([]byte(nil), header...)
}

func (fi *fileInstance) OutputPacket(packet []byte) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if len(fi.header) > 0 {
		if _, err := fi.f.Write(fi.header); err != nil {
			return err
		}
		fi.header = nil
	}
	_, err := fi.f.Write(packet)
	return err
}

func (fi *fileInstance) OutputBlock(block []byte) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	_, err := fi.f.Write(block)
	return err
}

func (fi *fileInstance) Destroy() error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.f.Close()
}
