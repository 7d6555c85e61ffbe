package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PortPool hands out client source ports from a shuffled ring so consecutive dials
// do not reuse the same port.
type PortPool struct {
	ports           []int
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[int]time.Time
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1

	ports := make([]int, capacity)
	for i, v := range rand.Perm(capacity) {
		ports[i] = minPort + v
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]time.Time),
		isFull:       true,
	}
}

// allocatePort takes the next port from the ring.
func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		return 0, fmt.Errorf("port pool %d-%d is exhausted", p.minPort, p.maxPort)
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false
	p.allocatedMap[port] = time.Now()

	return port, nil
}

// returnPort puts an allocated port back at the tail of the ring.
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.allocatedMap[port]; !ok {
		log.Warn().Int("port", port).Msg("returning a port that was never allocated")
		return fmt.Errorf("port %d is not allocated", port)
	}
	if p.isFull {
		return fmt.Errorf("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false
	delete(p.allocatedMap, port)

	return nil
}
