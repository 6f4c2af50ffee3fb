package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/astroworks/gopmc/mirror"
	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/gorilla/websocket"
)

// Handshake constants. A host opens a session by sending HandshakeProbe and
// expects HandshakeReply back before issuing motion commands.
const (
	HandshakeProbe = 0xDEAD
	HandshakeReply = 0xBEEF
)

// Cmd is the wire format of a single command: a verb and one numeric
// argument. Angles travel in microradians, distances in microns.
type Cmd struct {
	Cmd   string
	Value float64
}

// Reply is the wire format of a command response.
type Reply map[string]interface{}

// MirrorDevice is the slice of the control subsystem the conductor drives.
type MirrorDevice interface {
	SetControlMode(m mirror.ControlMode)
	SetTip(urad float64) error
	SetTilt(urad float64) error
	SetFocus(um float64) error
	FindHome(velocity float64)
	Stop()
	Enable(on bool)
	Enabled() bool
	SetFanSpeed(pct uint8) error
	State() mirror.MoveState
	StatusAll() [stepper.NumAxes]mirror.StatusBits
	Positions() stepper.Targets
	Feedback() mirror.Pose
	Notifications() <-chan mirror.Notification
	ResetPositions() error
}

// wsConn is the slice of *websocket.Conn the conductor needs. Narrowed to
// an interface so client plumbing is testable without a network.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// client is one connected host. Each client owns its outbound queue and
// writer goroutine, so a peer that stops reading only ever stalls itself.
type client struct {
	conn wsConn
	mu   sync.Mutex
	out  chan Reply
	gone bool
}

func newClient(conn wsConn) *client {
	return &client{conn: conn, out: make(chan Reply, 16)}
}

func (cl *client) writer() {
	for reply := range cl.out {
		if err := cl.conn.WriteJSON(reply); err != nil {
			log.Println("write:", err)
		}
	}
}

// send queues a reply without blocking. A full queue means the peer has
// stopped reading; drop the reply rather than stall the sender.
func (cl *client) send(reply Reply) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.gone {
		return
	}
	select {
	case cl.out <- reply:
	default:
		log.Println("client queue full, dropping reply")
	}
}

func (cl *client) shutdown() {
	cl.mu.Lock()
	cl.gone = true
	cl.mu.Unlock()
	close(cl.out)
	cl.conn.Close()
}

// Conductor translates host commands into device calls and pushes the
// device's asynchronous markers back out to every connected client.
type Conductor struct {
	device  MirrorDevice
	mu      sync.Mutex // guards the client list only
	clients []*client
}

func NewConductor(device MirrorDevice) *Conductor {
	return &Conductor{device: device}
}

// ProcessCommand executes one command. Commands that carry no result return
// an acknowledgment reply naming the verb.
func (c *Conductor) ProcessCommand(cmd Cmd) (Reply, error) {
	switch cmd.Cmd {
	case "Handshake":
		if uint32(cmd.Value) != HandshakeProbe {
			return nil, fmt.Errorf("bad handshake probe %#x", uint32(cmd.Value))
		}
		return Reply{"Handshake": HandshakeReply}, nil

	case "SetMoveType":
		mode, err := mirror.ParseControlMode(uint8(cmd.Value))
		if err != nil {
			return nil, err
		}
		c.device.SetControlMode(mode)
		return c.ack(cmd), nil

	case "SetTip":
		if err := c.device.SetTip(cmd.Value); err != nil {
			return nil, err
		}
		return c.ack(cmd), nil

	case "SetTilt":
		if err := c.device.SetTilt(cmd.Value); err != nil {
			return nil, err
		}
		return c.ack(cmd), nil

	case "SetFocus":
		if err := c.device.SetFocus(cmd.Value); err != nil {
			return nil, err
		}
		return c.ack(cmd), nil

	case "FindHome":
		c.device.FindHome(cmd.Value)
		return c.ack(cmd), nil

	case "Stop":
		c.device.Stop()
		return c.ack(cmd), nil

	case "EnableSteppers":
		c.device.Enable(cmd.Value != 0)
		return c.ack(cmd), nil

	case "SetFanSpeed":
		if cmd.Value < 0 || cmd.Value > 100 {
			return nil, fmt.Errorf("fan speed %g out of range 0..100", cmd.Value)
		}
		if err := c.device.SetFanSpeed(uint8(cmd.Value)); err != nil {
			return nil, err
		}
		return c.ack(cmd), nil

	case "GetStatus":
		return c.statusReply(), nil

	case "GetPositions":
		return c.positionReply(), nil

	case "ResetPositions":
		if err := c.device.ResetPositions(); err != nil {
			return nil, err
		}
		return c.ack(cmd), nil

	default:
		return nil, fmt.Errorf("unable to process command %q", cmd.Cmd)
	}
}

func (c *Conductor) ack(cmd Cmd) Reply {
	return Reply{cmd.Cmd: "OK"}
}

func (c *Conductor) statusReply() Reply {
	bits := c.device.StatusAll()
	reply := Reply{
		"State":   c.device.State().String(),
		"Enabled": c.device.Enabled(),
	}
	for i, axis := range stepper.Axes {
		reply[axis.String()+"Running"] = bits[i].Running
		reply[axis.String()+"Faulted"] = bits[i].Faulted
		reply[axis.String()+"Home"] = bits[i].AtHome
	}
	return reply
}

func (c *Conductor) positionReply() Reply {
	pos := c.device.Positions()
	pose := c.device.Feedback()
	reply := Reply{
		"TipEstimate":   pose.Tip,
		"TiltEstimate":  pose.Tilt,
		"FocusEstimate": pose.Focus,
	}
	for i, axis := range stepper.Axes {
		reply[axis.String()+"Position"] = pos[i]
	}
	return reply
}

//---
// Websocket clients
//---

// AddClient adopts an upgraded connection and services it until it drops.
// Blocks for the life of the connection; call from the handler goroutine.
func (c *Conductor) AddClient(conn wsConn) {
	cl := newClient(conn)
	go cl.writer()

	c.mu.Lock()
	c.clients = append(c.clients, cl)
	c.mu.Unlock()
	defer c.removeClient(cl)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			return
		}

		var cmd Cmd
		if err := json.Unmarshal(msg, &cmd); err != nil {
			cl.send(Reply{"Error": "invalid json"})
			continue
		}

		reply, err := c.ProcessCommand(cmd)
		if err != nil {
			reply = Reply{"Error": err.Error()}
		}
		cl.send(reply)
	}
}

// PushNotifications fans the device's completion and fault markers out to
// every client. Run it once, alongside the controller.
func (c *Conductor) PushNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.device.Notifications():
			c.broadcast(notificationReply(n))
		}
	}
}

func notificationReply(n mirror.Notification) Reply {
	switch n.Kind {
	case mirror.NoteMoveComplete:
		return Reply{"MoveComplete": n.Marker}
	case mirror.NoteHomeComplete:
		return Reply{"HomeComplete": n.Marker}
	case mirror.NoteAxisFault:
		return Reply{"AxisFault": n.Axis.String()}
	}
	return Reply{"Notification": n.Kind}
}

func (c *Conductor) broadcast(reply Reply) {
	c.mu.Lock()
	clients := make([]*client, len(c.clients))
	copy(clients, c.clients)
	c.mu.Unlock()

	for _, cl := range clients {
		cl.send(reply)
	}
}

func (c *Conductor) removeClient(cl *client) {
	cl.shutdown()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.clients {
		if existing == cl {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			return
		}
	}
}
