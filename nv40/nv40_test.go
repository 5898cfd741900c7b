package nv40

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted is a Link that records commands and replays canned responses
type scripted struct {
	sent    []string
	resp    []string
	sendErr error
	recvErr error
}

func (s *scripted) Send(b []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, string(b))
	return nil
}

func (s *scripted) Recv() ([]byte, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	if len(s.resp) == 0 {
		return nil, ErrNoResponse
	}
	r := s.resp[0]
	s.resp = s.resp[1:]
	return []byte(r), nil
}

func quiet(opts ...Option) ([]Option, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	base := []Option{WithLogger(l), WithResponseDelay(0), WithRetryInterval(0)}
	return append(base, opts...), hook
}

func newMock(t *testing.T, model Model, opts ...Option) (*Controller, *Mock) {
	m := NewMock(model)
	o, _ := quiet(opts...)
	c, err := New(m, model, o...)
	require.NoError(t, err)
	return c, m
}

func lastSent(m *Mock) string {
	s := m.Sent()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func TestNewClosedLoopModelCommandsEveryChannel(t *testing.T) {
	c, m := newMock(t, NV403CLE, WithRemote([3]bool{true, false, true}), WithClosedLoop([3]bool{true, true, false}))
	assert.Equal(t, []string{
		"setk,0,1", "setk,1,0", "setk,2,1",
		"cloop, 0, 1", "cloop, 1, 1", "cloop, 2, 0",
	}, m.Sent())
	for ch, want := range []bool{true, true, false} {
		got, err := c.ClosedLoop(Channel(ch))
		require.NoError(t, err)
		assert.Equal(t, want, got, "channel %d", ch)
	}
	assert.True(t, m.ClosedLoop(Z))
	assert.False(t, m.Remote(Y))
}

func TestNewBasicModelSkipsLoopCommands(t *testing.T) {
	c, m := newMock(t, NV403)
	assert.Equal(t, []string{"setk,0,1", "setk,1,1", "setk,2,1"}, m.Sent())
	for ch := Z; ch <= X; ch++ {
		closed, err := c.ClosedLoop(ch)
		require.NoError(t, err)
		assert.False(t, closed)
	}
}

func TestNewRejectsUnknownModel(t *testing.T) {
	s := &scripted{}
	_, err := New(s, Model("NV40/1"))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Empty(t, s.sent)
}

func TestNewPropagatesLinkErrors(t *testing.T) {
	boom := errors.New("port gone")
	o, _ := quiet()
	_, err := New(&scripted{sendErr: boom}, NV403CLE, o...)
	assert.ErrorIs(t, err, boom)
}

func TestSetRemote(t *testing.T) {
	c, m := newMock(t, NV403CLE)
	for ch := Z; ch <= X; ch++ {
		for _, on := range []bool{false, true} {
			require.NoError(t, c.SetRemote(ch, on))
			assert.Equal(t, fmt.Sprintf("setk,%d,%d", ch, flag(on)), lastSent(m))
			got, err := c.Remote(ch)
			require.NoError(t, err)
			assert.Equal(t, on, got)
		}
	}
}

func TestSetClosedLoopOnCLE(t *testing.T) {
	c, m := newMock(t, NV403CLE, WithClosedLoop([3]bool{}))
	require.NoError(t, c.SetClosedLoop(Y, true))
	assert.Equal(t, "cloop, 1, 1", lastSent(m))
	closed, err := c.ClosedLoop(Y)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, m.ClosedLoop(Y))
}

func TestSetClosedLoopOnBasicIsRefused(t *testing.T) {
	c, m := newMock(t, NV403)
	before := len(m.Sent())
	err := c.SetClosedLoop(Y, true)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Len(t, m.Sent(), before)
	closed, _ := c.ClosedLoop(Y)
	assert.False(t, closed)
}

func TestSetAndSetAllFormatting(t *testing.T) {
	c, m := newMock(t, NV403CLE)
	require.NoError(t, c.SetAll(1.0, 2.5, 3.25))
	assert.Equal(t, "setall, 1.0, 2.5, 3.25", lastSent(m))
	require.NoError(t, c.Set(X, 10))
	assert.Equal(t, "set, 2, 10.0", lastSent(m))
	assert.Equal(t, 10.0, m.Setpoint(X))
	assert.Equal(t, 2.5, m.Setpoint(Y))
}

func TestSoftStart(t *testing.T) {
	c, m := newMock(t, NV403)
	require.NoError(t, c.SoftStart(Z, true))
	assert.Equal(t, "fenable, 0, 1", lastSent(m))
	assert.True(t, m.SoftStart(Z))
	require.NoError(t, c.SoftStartAll(false))
	assert.Equal(t, "fready, 0", lastSent(m))
	assert.False(t, m.SoftStart(Z))
}

func TestNonFiniteSetpointsSendNothing(t *testing.T) {
	c, m := newMock(t, NV403CLE)
	before := len(m.Sent())
	assert.ErrorIs(t, c.Set(Z, math.NaN()), ErrInvalidValue)
	assert.ErrorIs(t, c.Set(Y, math.Inf(1)), ErrInvalidValue)
	assert.ErrorIs(t, c.SetAll(1, math.Inf(-1), 3), ErrInvalidValue)
	assert.Len(t, m.Sent(), before)
	assert.Equal(t, 400, ErrInvalidValue.StatusCode())
}

func TestInvalidChannelSendsNothing(t *testing.T) {
	c, m := newMock(t, NV403CLE)
	before := len(m.Sent())
	assert.ErrorIs(t, c.Set(Channel(3), 1), ErrInvalidChannel)
	assert.ErrorIs(t, c.SetRemote(Channel(-1), true), ErrInvalidChannel)
	assert.ErrorIs(t, c.SoftStart(Channel(7), true), ErrInvalidChannel)
	_, err := c.Measure(Channel(3))
	assert.ErrorIs(t, err, ErrInvalidChannel)
	_, err = c.ClosedLoop(Channel(3))
	assert.ErrorIs(t, err, ErrInvalidChannel)
	assert.Len(t, m.Sent(), before)
}

func TestMeasureParsesLastField(t *testing.T) {
	s := &scripted{}
	o, _ := quiet(WithRemote([3]bool{}))
	c, err := New(s, NV403, o...)
	require.NoError(t, err)
	s.sent = nil
	s.resp = []string{"1,2,3.456\r"}
	v, err := c.Measure(Y)
	require.NoError(t, err)
	assert.Equal(t, 3.456, v)
	assert.Equal(t, []string{"rk, 1", "measure"}, s.sent)
}

func TestMeasureAllParsesLastThreeFields(t *testing.T) {
	s := &scripted{}
	o, _ := quiet()
	c, err := New(s, NV403, o...)
	require.NoError(t, err)
	s.sent = nil
	s.resp = []string{"aw,1.000, 2.500,3.250\r"}
	v, err := c.MeasureAll()
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 2.5, 3.25}, v)
	assert.Equal(t, []string{"measure"}, s.sent)
}

func TestMeasureAgainstMock(t *testing.T) {
	c, _ := newMock(t, NV403CLE)
	require.NoError(t, c.SetAll(4, 5, 6.125))
	v, err := c.Measure(X)
	require.NoError(t, err)
	assert.Equal(t, 6.125, v)
	all, err := c.MeasureAll()
	require.NoError(t, err)
	assert.Equal(t, [3]float64{4, 5, 6.125}, all)
}

func TestMeasureRetriesMalformedResponses(t *testing.T) {
	m := NewMock(NV403CLE)
	o, hook := quiet()
	c, err := New(m, NV403CLE, o...)
	require.NoError(t, err)
	require.NoError(t, c.Set(Z, 7.5))
	m.Garble(2)

	v, err := c.Measure(Z)
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)

	measures := 0
	for _, cmd := range m.Sent() {
		if cmd == "measure" {
			measures++
		}
	}
	assert.Equal(t, 3, measures)

	warns := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warns++
		}
	}
	assert.Equal(t, 2, warns)
}

func TestMeasureRetriesNonFiniteValues(t *testing.T) {
	s := &scripted{}
	o, _ := quiet()
	c, err := New(s, NV403, o...)
	require.NoError(t, err)
	s.resp = []string{"aw,0,nan\r", "aw,0,+Inf\r", "aw,0,1.5\r"}
	v, err := c.Measure(Z)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	s.resp = nil
	for i := 0; i < DefaultAttempts; i++ {
		s.resp = append(s.resp, "aw,NaN,NaN,NaN\r")
	}
	_, err = c.MeasureAll()
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Empty(t, s.resp)
}

func TestMeasureGivesUpAfterBoundedAttempts(t *testing.T) {
	c, m := newMock(t, NV403CLE, WithAttempts(3))
	m.Garble(100)

	_, err := c.MeasureAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	var mre *MalformedResponseError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, 3, mre.Attempts)
	assert.Equal(t, "aw,\x13,-\r", mre.Response)

	_, err = c.Measure(Y)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestMeasureDoesNotRetryLinkErrors(t *testing.T) {
	s := &scripted{}
	o, _ := quiet()
	c, err := New(s, NV403, o...)
	require.NoError(t, err)
	boom := errors.New("timeout")
	s.sent = nil
	s.recvErr = boom

	_, err = c.Measure(Z)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, []string{"rk, 0", "measure"}, s.sent)
}

func TestErrorAndVersionReturnRawResponses(t *testing.T) {
	c, m := newMock(t, NV403CLE)
	resp, err := c.Error()
	require.NoError(t, err)
	assert.Equal(t, "OK. No error.\r", resp)
	assert.Equal(t, "Err?", lastSent(m))

	resp, err = c.Version()
	require.NoError(t, err)
	assert.Contains(t, resp, "NV40/3CLE")
	assert.Equal(t, "ver", lastSent(m))
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in      string
		want    Channel
		wantErr bool
	}{
		{in: "0", want: Z},
		{in: "1", want: Y},
		{in: "2", want: X},
		{in: "z", want: Z},
		{in: " Y ", want: Y},
		{in: "X", want: X},
		{in: "3", wantErr: true},
		{in: "w", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ch, err := ParseChannel(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChannel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ch)
		})
	}
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel("nv40/3cle")
	require.NoError(t, err)
	assert.Equal(t, NV403CLE, m)
	m, err = ParseModel("NV40/3")
	require.NoError(t, err)
	assert.Equal(t, NV403, m)
	_, err = ParseModel("NV40/1")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{
		1:       "1.0",
		2.5:     "2.5",
		3.25:    "3.25",
		-10:     "-10.0",
		0:       "0.0",
		1e-4:    "0.0001",
		123.456: "123.456",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatFloat(in))
	}
}

func TestParseTrailing(t *testing.T) {
	v, err := parseTrailing("1,2,3.456\r", 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{3.456}, v)

	v, err = parseTrailing("aw,1,2,3\r\n", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v)

	_, err = parseTrailing("3.1", 3)
	assert.Error(t, err)
	_, err = parseTrailing("aw,1,", 1)
	assert.Error(t, err)
	_, err = parseTrailing("aw,0,nan\r", 1)
	assert.Error(t, err)
}
