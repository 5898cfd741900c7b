package nv40

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrNoResponse is returned by Mock.Recv when the last command produced no
// response.  Real hardware would block until the read timeout.
var ErrNoResponse = errors.New("no response pending")

// Mock is a simulated controller which satisfies Link.  It is an ideal
// amplifier; the measured position of a channel is its setpoint.
type Mock struct {
	mu sync.Mutex

	model     Model
	remote    [NumChannels]bool
	closed    [NumChannels]bool
	setpoint  [NumChannels]float64
	softStart [NumChannels]bool
	softAll   bool
	selected  int

	garble  int
	pending []string
	sent    []string
}

// NewMock returns a simulated controller of the given model, powered on in
// local (front panel) control and open loop
func NewMock(model Model) *Mock {
	return &Mock{model: model, selected: -1}
}

// Garble makes the next n measure responses unparseable
func (m *Mock) Garble(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.garble = n
}

// Sent returns every command received, in order
func (m *Mock) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// Setpoint returns the setpoint of a channel
func (m *Mock) Setpoint(ch Channel) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setpoint[ch]
}

// ClosedLoop returns the loop mode of a channel as the hardware sees it
func (m *Mock) ClosedLoop(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[ch]
}

// Remote returns the remote state of a channel as the hardware sees it
func (m *Mock) Remote(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote[ch]
}

// SoftStart returns the soft start state of a channel as the hardware sees it
func (m *Mock) SoftStart(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softStart[ch]
}

func parseMockArgs(parts []string) ([]float64, error) {
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (m *Mock) channelArg(f float64) (int, bool) {
	ch := int(f)
	return ch, float64(ch) == f && ch >= 0 && ch < NumChannels
}

// Send interprets one command
func (m *Mock) Send(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := string(b)
	m.sent = append(m.sent, cmd)

	parts := strings.Split(cmd, ",")
	name := strings.TrimSpace(parts[0])
	args, err := parseMockArgs(parts[1:])
	if err != nil {
		m.pending = append(m.pending, "err,1\r")
		return nil
	}
	argc := map[string]int{
		"setk": 2, "cloop": 2, "set": 2, "setall": 3, "rk": 1,
		"fenable": 2, "fready": 1, "measure": 0, "ver": 0, "Err?": 0,
	}
	want, known := argc[name]
	if !known || len(args) != want {
		m.pending = append(m.pending, "err,2\r")
		return nil
	}

	switch name {
	case "setk":
		if ch, ok := m.channelArg(args[0]); ok {
			m.remote[ch] = args[1] != 0
		}
	case "cloop":
		if ch, ok := m.channelArg(args[0]); ok && m.model.ClosedLoopCapable() && m.remote[ch] {
			m.closed[ch] = args[1] != 0
		}
	case "set":
		if ch, ok := m.channelArg(args[0]); ok && m.remote[ch] {
			m.setpoint[ch] = args[1]
		}
	case "setall":
		for ch := 0; ch < NumChannels; ch++ {
			if m.remote[ch] {
				m.setpoint[ch] = args[ch]
			}
		}
	case "rk":
		if ch, ok := m.channelArg(args[0]); ok {
			m.selected = ch
		}
	case "fenable":
		if ch, ok := m.channelArg(args[0]); ok {
			m.softStart[ch] = args[1] != 0
		}
	case "fready":
		m.softAll = args[0] != 0
		for ch := range m.softStart {
			m.softStart[ch] = m.softAll
		}
	case "measure":
		m.pending = append(m.pending, m.measureResponse())
	case "ver":
		m.pending = append(m.pending, fmt.Sprintf("%s mock V1.00\r", m.model))
	case "Err?":
		m.pending = append(m.pending, "OK. No error.\r")
	}
	return nil
}

func (m *Mock) measureResponse() string {
	defer func() { m.selected = -1 }()
	if m.garble > 0 {
		m.garble--
		return "aw,\x13,-\r"
	}
	if m.selected >= 0 {
		return fmt.Sprintf("aw,%d,%.3f\r", m.selected, m.setpoint[m.selected])
	}
	return fmt.Sprintf("aw,%.3f,%.3f,%.3f\r", m.setpoint[0], m.setpoint[1], m.setpoint[2])
}

// Recv returns the oldest unread response
func (m *Mock) Recv() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, ErrNoResponse
	}
	resp := m.pending[0]
	m.pending = m.pending[1:]
	return []byte(resp), nil
}
