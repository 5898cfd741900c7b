// Package nv40 provides a Go interface to piezosystem jena NV40/3 and NV40/3CLE
// three channel piezo amplifiers.
//
// The controller speaks short ASCII commands ("setk,0,1", "measure", ...) over
// RS-232 or a terminal server.  Channels 0, 1, 2 drive the z, y, and x axes.
// Values are micrometers on channels in closed loop and volts in open loop;
// only the NV40/3CLE has the position sensors needed for closed loop.
package nv40

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/labhw/nv40/comm"
)

const (
	// DefaultResponseDelay is the wait between a query and reading its
	// response.  The controller drops responses that are read immediately.
	DefaultResponseDelay = 150 * time.Millisecond

	// DefaultAttempts is the number of exchanges made for one measurement
	// before giving up on malformed responses
	DefaultAttempts = 5

	// NumChannels is the number of amplifier channels
	NumChannels = 3
)

// Model is the variant of the controller
type Model string

const (
	// NV403 is the open loop only controller
	NV403 Model = "NV40/3"

	// NV403CLE is the controller with closed loop electronics
	NV403CLE Model = "NV40/3CLE"
)

// ParseModel converts a string such as "nv40/3cle" to a Model
func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(NV403):
		return NV403, nil
	case string(NV403CLE):
		return NV403CLE, nil
	}
	return "", fmt.Errorf("%w: model must be either %s or %s, got %q", ErrInvalidConfiguration, NV403, NV403CLE, s)
}

// ClosedLoopCapable is true if the model can switch channels to closed loop
func (m Model) ClosedLoopCapable() bool {
	return m == NV403CLE
}

// Channel is an amplifier channel, 0..2
type Channel int

const (
	// Z is channel 0
	Z Channel = iota
	// Y is channel 1
	Y
	// X is channel 2
	X
)

var axisNames = [NumChannels]string{"z", "y", "x"}

// ParseChannel converts "0", "1", "2" or "z", "y", "x" (any case) to a Channel
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range axisNames {
		if s == name || s == strconv.Itoa(i) {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

// String returns the axis name of the channel
func (c Channel) String() string {
	if !c.valid() {
		return "Channel(" + strconv.Itoa(int(c)) + ")"
	}
	return axisNames[c]
}

func (c Channel) valid() bool {
	return c >= 0 && c < NumChannels
}

func checkValue(vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
	}
	return nil
}

func checkChannel(c Channel) error {
	if !c.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, int(c))
	}
	return nil
}

// Link is an open, line oriented connection to the controller.  Send
// transmits one command and Recv blocks for one response line.
// *comm.RemoteDevice satisfies Link.
type Link interface {
	Send([]byte) error
	Recv() ([]byte, error)
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// NewRemoteDevice returns an unopened link configured for the controller,
// CR terminated commands and LF terminated responses
func NewRemoteDevice(addr string, serial bool) *comm.RemoteDevice {
	terms := comm.Terminators{Rx: '\n', Tx: '\r'}
	rd := comm.NewRemoteDevice(addr, serial, &terms, makeSerConf(addr))
	return &rd
}

// Option configures a Controller in New
type Option func(*Controller)

// WithRemote sets which channels are put under remote control by New.
// The default is all of them.
func WithRemote(remote [NumChannels]bool) Option {
	return func(c *Controller) {
		c.remote = remote
	}
}

// WithClosedLoop sets which channels New places in closed loop on an
// NV40/3CLE.  The default is all of them.  Ignored for the NV40/3.
func WithClosedLoop(closed [NumChannels]bool) Option {
	return func(c *Controller) {
		c.closed = closed
	}
}

// WithLogger sets the logger, the default is logrus' standard logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithResponseDelay overrides DefaultResponseDelay
func WithResponseDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.delay = d
	}
}

// WithAttempts overrides DefaultAttempts.  Values below 1 are treated as 1.
func WithAttempts(n int) Option {
	return func(c *Controller) {
		if n < 1 {
			n = 1
		}
		c.attempts = n
	}
}

// WithRetryInterval sets the first wait between measurement attempts, it
// doubles on each retry up to 10x
func WithRetryInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.retryInterval = d
	}
}

// Controller maps to an NV40/3 or NV40/3CLE.  It is concurrent safe; each
// exchange with the hardware holds the controller for its duration.
type Controller struct {
	mu   sync.Mutex
	link Link

	model  Model
	remote [NumChannels]bool
	closed [NumChannels]bool

	delay         time.Duration
	attempts      int
	retryInterval time.Duration
	log           logrus.FieldLogger
}

// New takes control of an open link, commands the remote state of each
// channel, and on an NV40/3CLE, the loop mode of each channel.
func New(link Link, model Model, opts ...Option) (*Controller, error) {
	if !(model == NV403 || model == NV403CLE) {
		return nil, fmt.Errorf("%w: model must be either %s or %s, got %q", ErrInvalidConfiguration, NV403, NV403CLE, string(model))
	}
	c := &Controller{
		link:          link,
		model:         model,
		remote:        [NumChannels]bool{true, true, true},
		closed:        [NumChannels]bool{true, true, true},
		delay:         DefaultResponseDelay,
		attempts:      DefaultAttempts,
		retryInterval: 10 * time.Millisecond,
		log:           logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("model", string(model))

	for ch := Z; ch <= X; ch++ {
		if err := c.setRemote(ch, c.remote[ch]); err != nil {
			return nil, err
		}
	}
	if !model.ClosedLoopCapable() {
		// no sensors, the hardware is always open loop
		c.closed = [NumChannels]bool{}
		return c, nil
	}
	for ch := Z; ch <= X; ch++ {
		if err := c.setClosedLoop(ch, c.closed[ch]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Model returns the model the controller was created with
func (c *Controller) Model() Model {
	return c.model
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatFloat renders a finite v the way the controller expects, always with
// a decimal point and never in exponent notation; 1 => "1.0", 2.5 => "2.5"
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func (c *Controller) send(cmd string) error {
	c.log.WithField("cmd", cmd).Debug("send")
	if err := c.link.Send([]byte(cmd)); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	return nil
}

// query sends each command, waits the response delay, and reads one line
func (c *Controller) query(cmds ...string) (string, error) {
	for _, cmd := range cmds {
		if err := c.send(cmd); err != nil {
			return "", err
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	resp, err := c.link.Recv()
	if err != nil {
		return "", fmt.Errorf("reading response to %q: %w", cmds[len(cmds)-1], err)
	}
	c.log.WithField("resp", string(resp)).Debug("recv")
	return string(resp), nil
}

// Error queries the error state of the controller and returns the raw
// response.  The format of the response has not been verified against
// hardware and it is not interpreted.
func (c *Controller) Error() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query("Err?")
}

// Version returns the raw firmware version response
func (c *Controller) Version() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query("ver")
}

// Raw sends a command and returns one response line, for commands this
// package does not wrap
func (c *Controller) Raw(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query(cmd)
}

func (c *Controller) setRemote(ch Channel, on bool) error {
	if err := c.send(fmt.Sprintf("setk,%d,%d", ch, flag(on))); err != nil {
		return err
	}
	c.remote[ch] = on
	return nil
}

// SetRemote places a channel under remote control (true), or returns it to
// the front panel (false)
func (c *Controller) SetRemote(ch Channel, on bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setRemote(ch, on)
}

// Remote returns the last commanded remote state of a channel
func (c *Controller) Remote(ch Channel) (bool, error) {
	if err := checkChannel(ch); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote[ch], nil
}

func (c *Controller) setClosedLoop(ch Channel, closed bool) error {
	if err := c.send(fmt.Sprintf("cloop, %d, %d", ch, flag(closed))); err != nil {
		return err
	}
	c.closed[ch] = closed
	return nil
}

// SetClosedLoop switches a channel to closed loop (true) or open loop.
// The NV40/3 has no closed loop hardware and returns ErrInvalidConfiguration
// without sending anything.
func (c *Controller) SetClosedLoop(ch Channel, closed bool) error {
	if !c.model.ClosedLoopCapable() {
		return fmt.Errorf("%w: %s does not have closed loop capabilities", ErrInvalidConfiguration, c.model)
	}
	if err := checkChannel(ch); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setClosedLoop(ch, closed)
}

// ClosedLoop returns the last known loop mode of a channel without
// querying the hardware
func (c *Controller) ClosedLoop(ch Channel) (bool, error) {
	if err := checkChannel(ch); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed[ch], nil
}

// Set commands the output of a channel, in um in closed loop or V in open loop
func (c *Controller) Set(ch Channel, value float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(fmt.Sprintf("set, %d, %s", ch, formatFloat(value)))
}

// SetAll commands the output of all three channels at once
func (c *Controller) SetAll(z, y, x float64) error {
	if err := checkValue(z, y, x); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(fmt.Sprintf("setall, %s, %s, %s", formatFloat(z), formatFloat(y), formatFloat(x)))
}

// SoftStart enables or disables the power-on ramp of a channel
func (c *Controller) SoftStart(ch Channel, on bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(fmt.Sprintf("fenable, %d, %d", ch, flag(on)))
}

// SoftStartAll enables or disables the power-on ramp of every channel
func (c *Controller) SoftStartAll(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(fmt.Sprintf("fready, %d", flag(on)))
}

// Measure returns the position of a channel, in um in closed loop or V in
// open loop
func (c *Controller) Measure(ch Channel) (float64, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out float64
	err := c.measure([]string{fmt.Sprintf("rk, %d", ch), "measure"}, func(resp string) error {
		f, err := parseTrailing(resp, 1)
		if err != nil {
			return err
		}
		out = f[0]
		return nil
	})
	return out, err
}

// MeasureAll returns the positions of all three channels, ordered z, y, x
func (c *Controller) MeasureAll() ([NumChannels]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [NumChannels]float64
	err := c.measure([]string{"measure"}, func(resp string) error {
		f, err := parseTrailing(resp, NumChannels)
		if err != nil {
			return err
		}
		copy(out[:], f)
		return nil
	})
	return out, err
}

// measure runs query(cmds...) until parse accepts the response or the
// attempts are used up.  Link errors are returned immediately.
func (c *Controller) measure(cmds []string, parse func(string) error) error {
	var (
		attempt int
		last    string
		linkErr error
	)
	op := func() error {
		attempt++
		resp, err := c.query(cmds...)
		if err != nil {
			linkErr = err
			return backoff.Permanent(err)
		}
		last = resp
		return parse(resp)
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"resp":    last,
			"wait":    wait,
		}).Warn("malformed measurement, retrying: ", err)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryInterval,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         10 * c.retryInterval,
		Clock:               backoff.SystemClock}
	err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, uint64(c.attempts-1)), notify)
	if err == nil {
		return nil
	}
	if linkErr != nil {
		return linkErr
	}
	return &MalformedResponseError{Response: last, Attempts: attempt, Err: err}
}

// parseTrailing parses the last n comma separated fields of a response as
// finite floats.  Anything from a carriage return on in the final field is
// dropped.
func parseTrailing(resp string, n int) ([]float64, error) {
	fields := strings.Split(resp, ",")
	if len(fields) < n {
		return nil, fmt.Errorf("expected at least %d fields, got %d", n, len(fields))
	}
	fields = fields[len(fields)-n:]
	last := fields[n-1]
	if i := strings.IndexByte(last, '\r'); i >= 0 {
		fields[n-1] = last[:i]
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value %q", f)
		}
		out[i] = v
	}
	return out, nil
}
