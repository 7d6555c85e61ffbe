package lib

import "testing"

func TestPortPoolAllocatesEveryPortOnce(t *testing.T) {
	p := newPortPool(5000, 5009)
	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := p.allocatePort()
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if port < 5000 || port > 5009 || seen[port] {
			t.Fatalf("bad or repeated port %d", port)
		}
		seen[port] = true
	}
	if _, err := p.allocatePort(); err == nil {
		t.Error("allocation from an exhausted pool succeeded")
	}
	if p.available() != 0 {
		t.Errorf("available = %d", p.available())
	}
}

func TestPortPoolReturn(t *testing.T) {
	p := newPortPool(6000, 6001)
	if err := p.returnPort(6000); err == nil {
		t.Error("returning an unallocated port succeeded")
	}

	a, _ := p.allocatePort()
	b, _ := p.allocatePort()
	if err := p.returnPort(a); err != nil {
		t.Fatalf("returnPort: %v", err)
	}
	again, err := p.allocatePort()
	if err != nil || again != a {
		t.Errorf("reallocated %d (%v), want %d", again, err, a)
	}
	if err := p.returnPort(b); err != nil {
		t.Fatal(err)
	}
	if p.available() != 1 {
		t.Errorf("available = %d, want 1", p.available())
	}
}

// available returns the number of ports that can still be allocated.
func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocatedMap)
}
