package servicecontainer

import (
	"fmt"
	"maps"
	"net"
	"sync"
)

// maxPortAttempts bounds how often Allocate asks the kernel for a port it
// has not handed out yet.
const maxPortAttempts = 32

// PortAllocator hands out free loopback ports for published service ports.
// Ports come from the kernel's ephemeral range; a port stays reserved for
// its service until Release.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]string
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{reserved: make(map[int]string)}
}

// Allocate reserves a free port for service.
func (p *PortAllocator) Allocate(service string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range maxPortAttempts {
		port, err := freePort()
		if err != nil {
			return 0, fmt.Errorf("servicecontainer: allocate port for %s: %w", service, err)
		}
		if _, taken := p.reserved[port]; !taken {
			p.reserved[port] = service
			return port, nil
		}
	}
	return 0, fmt.Errorf("servicecontainer: no unreserved port for %s after %d attempts", service, maxPortAttempts)
}

// Release returns every port reserved for service.
func (p *PortAllocator) Release(service string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	maps.DeleteFunc(p.reserved, func(_ int, s string) bool { return s == service })
}

// Allocated returns a snapshot of the reservations by port.
func (p *PortAllocator) Allocated() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.reserved)
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
