package lib

// Assembler joins the partial deliveries produced by a force flush back into whole messages.
// Feed it every delivery from one peer, in order. The zero value is ready to use.
type Assembler struct {
	buf  []byte
	want int
}

// Add returns the complete message once the pieces reach the declared length.
func (a *Assembler) Add(payload []byte, declared int) ([]byte, bool) {
	if a.want == 0 {
		if len(payload) == 0 && declared > 0 {
			return nil, false
		}
		if len(payload) >= declared {
			return payload, true
		}
		a.want = declared
	}
	a.buf = append(a.buf, payload...)
	if len(a.buf) < a.want {
		return nil, false
	}
	msg := a.buf
	a.buf, a.want = nil, 0
	return msg, true
}

// Pending is the number of bytes held back waiting for the rest of a message.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

func (a *Assembler) Reset() {
	a.buf, a.want = nil, 0
}
