package comms

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astroworks/gopmc/mirror"
	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeDevice records the last call so command routing can be asserted
// without spinning up a controller.
type fakeDevice struct {
	mode      mirror.ControlMode
	tip       float64
	tilt      float64
	focus     float64
	homeVel   float64
	homed     bool
	stopped   bool
	enabled   bool
	fanSpeed  uint8
	resets    int
	targetErr error
	notes     chan mirror.Notification
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{notes: make(chan mirror.Notification, 4)}
}

func (d *fakeDevice) SetControlMode(m mirror.ControlMode) { d.mode = m }
func (d *fakeDevice) SetTip(v float64) error              { d.tip = v; return d.targetErr }
func (d *fakeDevice) SetTilt(v float64) error             { d.tilt = v; return d.targetErr }
func (d *fakeDevice) SetFocus(v float64) error            { d.focus = v; return d.targetErr }
func (d *fakeDevice) FindHome(v float64)                  { d.homed = true; d.homeVel = v }
func (d *fakeDevice) Stop()                               { d.stopped = true }
func (d *fakeDevice) Enable(on bool)                      { d.enabled = on }
func (d *fakeDevice) Enabled() bool                       { return d.enabled }
func (d *fakeDevice) SetFanSpeed(pct uint8) error         { d.fanSpeed = pct; return nil }
func (d *fakeDevice) State() mirror.MoveState             { return mirror.Idle }
func (d *fakeDevice) ResetPositions() error               { d.resets++; return nil }

func (d *fakeDevice) StatusAll() (bits [stepper.NumAxes]mirror.StatusBits) {
	bits[stepper.AxisB].Running = true
	return
}

func (d *fakeDevice) Positions() stepper.Targets {
	return stepper.Targets{100, 200, -300}
}

func (d *fakeDevice) Feedback() mirror.Pose {
	return mirror.Pose{Tip: 0.001, Tilt: -0.002, Focus: 42}
}

func (d *fakeDevice) Notifications() <-chan mirror.Notification {
	return d.notes
}

func TestProcessCommand(t *testing.T) {
	Convey("Command routing", t, func() {
		device := newFakeDevice()
		c := NewConductor(device)

		Convey("handshake answers the probe", func() {
			reply, err := c.ProcessCommand(Cmd{Cmd: "Handshake", Value: float64(HandshakeProbe)})
			So(err, ShouldBeNil)
			So(reply["Handshake"], ShouldEqual, HandshakeReply)

			Convey("and refuses anything else", func() {
				_, err := c.ProcessCommand(Cmd{Cmd: "Handshake", Value: 1})
				So(err, ShouldNotBeNil)
			})
		})

		Convey("SetMoveType parses the mode byte", func() {
			_, err := c.ProcessCommand(Cmd{Cmd: "SetMoveType", Value: 2})
			So(err, ShouldBeNil)
			So(device.mode, ShouldEqual, mirror.ModeAbsolute)

			_, err = c.ProcessCommand(Cmd{Cmd: "SetMoveType", Value: 9})
			So(err, ShouldNotBeNil)
		})

		Convey("target commands forward their values", func() {
			c.ProcessCommand(Cmd{Cmd: "SetTip", Value: 1500})
			c.ProcessCommand(Cmd{Cmd: "SetTilt", Value: -2500})
			c.ProcessCommand(Cmd{Cmd: "SetFocus", Value: 10000})

			So(device.tip, ShouldEqual, 1500)
			So(device.tilt, ShouldEqual, -2500)
			So(device.focus, ShouldEqual, 10000)

			Convey("device refusals surface as errors", func() {
				device.targetErr = errors.New("move in progress")
				_, err := c.ProcessCommand(Cmd{Cmd: "SetFocus", Value: 1})
				So(err, ShouldNotBeNil)
			})
		})

		Convey("FindHome passes the homing velocity", func() {
			_, err := c.ProcessCommand(Cmd{Cmd: "FindHome", Value: 0.002})
			So(err, ShouldBeNil)
			So(device.homed, ShouldBeTrue)
			So(device.homeVel, ShouldEqual, 0.002)
		})

		Convey("Stop and EnableSteppers drive the latches", func() {
			c.ProcessCommand(Cmd{Cmd: "Stop"})
			So(device.stopped, ShouldBeTrue)

			c.ProcessCommand(Cmd{Cmd: "EnableSteppers", Value: 1})
			So(device.enabled, ShouldBeTrue)
			c.ProcessCommand(Cmd{Cmd: "EnableSteppers", Value: 0})
			So(device.enabled, ShouldBeFalse)
		})

		Convey("SetFanSpeed validates its range", func() {
			_, err := c.ProcessCommand(Cmd{Cmd: "SetFanSpeed", Value: 55})
			So(err, ShouldBeNil)
			So(device.fanSpeed, ShouldEqual, 55)

			_, err = c.ProcessCommand(Cmd{Cmd: "SetFanSpeed", Value: 150})
			So(err, ShouldNotBeNil)
		})

		Convey("GetStatus reports per axis bits", func() {
			reply, err := c.ProcessCommand(Cmd{Cmd: "GetStatus"})
			So(err, ShouldBeNil)
			So(reply["State"], ShouldEqual, "IDLE")
			So(reply["ARunning"], ShouldBeFalse)
			So(reply["BRunning"], ShouldBeTrue)
			So(reply["CFaulted"], ShouldBeFalse)
		})

		Convey("GetPositions reports steps and the pose estimate", func() {
			reply, err := c.ProcessCommand(Cmd{Cmd: "GetPositions"})
			So(err, ShouldBeNil)
			So(reply["APosition"], ShouldEqual, 100)
			So(reply["CPosition"], ShouldEqual, -300)
			So(reply["FocusEstimate"], ShouldEqual, 42)
		})

		Convey("ResetPositions calls through", func() {
			_, err := c.ProcessCommand(Cmd{Cmd: "ResetPositions"})
			So(err, ShouldBeNil)
			So(device.resets, ShouldEqual, 1)
		})

		Convey("unknown verbs are refused", func() {
			_, err := c.ProcessCommand(Cmd{Cmd: "Blast"})
			So(err, ShouldNotBeNil)
		})
	})
}

// scriptConn stands in for a websocket connection. A stalling conn blocks
// every write until released, imitating a peer that stopped reading.
type scriptConn struct {
	in     chan []byte
	wrote  chan Reply
	stall  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newScriptConn(stalling bool) *scriptConn {
	sc := &scriptConn{
		in:     make(chan []byte, 4),
		wrote:  make(chan Reply, 32),
		closed: make(chan struct{}),
	}
	if stalling {
		sc.stall = make(chan struct{})
	}
	return sc
}

func (s *scriptConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.in:
		return websocket.TextMessage, msg, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *scriptConn) WriteJSON(v interface{}) error {
	if s.stall != nil {
		<-s.stall
		return errors.New("peer gone")
	}
	s.wrote <- v.(Reply)
	return nil
}

func (s *scriptConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestClientIsolation(t *testing.T) {
	Convey("A stalled peer never blocks the other clients", t, func() {
		device := newFakeDevice()
		c := NewConductor(device)

		stalled := newScriptConn(true)
		live := newScriptConn(false)
		go c.AddClient(stalled)
		go c.AddClient(live)

		registered := func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return len(c.clients) == 2
		}
		for i := 0; i < 1000 && !registered(); i++ {
			time.Sleep(time.Millisecond)
		}
		So(registered(), ShouldBeTrue)

		recv := func(sc *scriptConn) Reply {
			select {
			case reply := <-sc.wrote:
				return reply
			case <-time.After(time.Second):
				return nil
			}
		}

		// park the stalled peer's writer inside a blocked write
		stalled.in <- []byte(`{"Cmd":"Stop"}`)

		Convey("broadcasts still reach the live client", func() {
			c.broadcast(Reply{"HomeComplete": HandshakeReply})

			reply := recv(live)
			So(reply, ShouldNotBeNil)
			So(reply["HomeComplete"], ShouldEqual, HandshakeReply)
		})

		Convey("command replies still come back promptly", func() {
			live.in <- []byte(`{"Cmd":"Handshake","Value":57005}`)

			reply := recv(live)
			So(reply, ShouldNotBeNil)
			So(reply["Handshake"], ShouldEqual, HandshakeReply)
		})

		Reset(func() {
			close(stalled.stall)
			stalled.Close()
			live.Close()
		})
	})
}

func TestNotificationReplies(t *testing.T) {
	Convey("Notification markers map onto wire replies", t, func() {
		move := notificationReply(mirror.Notification{Kind: mirror.NoteMoveComplete, Marker: mirror.CompletionMarker})
		So(move["MoveComplete"], ShouldEqual, 0xBEEF)

		home := notificationReply(mirror.Notification{Kind: mirror.NoteHomeComplete, Marker: mirror.CompletionMarker})
		So(home["HomeComplete"], ShouldEqual, 0xBEEF)

		fault := notificationReply(mirror.Notification{Kind: mirror.NoteAxisFault, Axis: stepper.AxisC})
		So(fault["AxisFault"], ShouldEqual, "C")
	})
}
