/*Package comm provides a line-oriented link to lab hardware over RS-232 or TCP.

Most usages of this package boil down to:
	1.  make a RemoteDevice with the right terminators and serial configuration
	    for your hardware.
	2.  Open it once, and hand it to a driver that speaks the device's
	    command language with Send, Recv, and SendRecv.
	3.  Close it when done.

A minimal example for a sensor that responds to "RD?" with a number:

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", true, nil, &serial.Config{Name: "/dev/ttyUSB0", Baud: 9600})
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("RD?"))
	if err != nil {
		return err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial configuration")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

// DefaultTerminators are carriage returns in both directions
var DefaultTerminators = Terminators{Rx: '\r', Tx: '\r'}

/*RemoteDevice has an address and can Open, Send, Recv and Close.

RemoteDevice is not concurrent-safe; drivers that share one across goroutines
must serialize their exchanges.
*/
type RemoteDevice struct {
	// Addr is the network address (host:port) or serial port name
	Addr string

	// Serial selects RS-232 (true) or TCP (false)
	Serial bool

	// Timeout bounds connect, and each Send and Recv on TCP links
	Timeout time.Duration

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	terms  Terminators
	serCfg *serial.Config
	rdr    *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  If terms is nil,
// DefaultTerminators are used.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serCfg *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &DefaultTerminators
	}
	return RemoteDevice{
		Addr:    addr,
		Serial:  serial,
		Timeout: 3 * time.Second,
		terms:   *terms,
		serCfg:  serCfg}
}

// Open the connection, setting the Conn variable.  Opening an open device is
// a no-op.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff, terminal servers do not like being connection thrashed.
	// a refused connection will not get better by waiting
	op := func() error {
		err := rd.open()
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	maxElapsed := rd.Timeout
	if maxElapsed <= 0 {
		maxElapsed = 3 * time.Second
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.Serial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rdr = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
		rd.rdr = nil
	}
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.terms.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.terms.Rx
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.refreshDeadline()
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	buf = append(buf, rd.TxTerminator())
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.refreshDeadline()
	term := rd.RxTerminator()
	buf, err := rd.rdr.ReadBytes(term)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return buf[:len(buf)-1], nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

func (rd *RemoteDevice) refreshDeadline() {
	if c, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetDeadline(time.Now().Add(rd.Timeout))
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
