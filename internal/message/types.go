package message

import (
	"errors"
	"strconv"
)

// ErrMalformed is returned when a decrypted payload is not a usable message.
var ErrMalformed = errors.New("malformed message")

// Type is the MsgType of an inbound message.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeVoice    Type = "voice"
	TypeLocation Type = "location"
	TypeEvent    Type = "event"
)

// Event names the platform pushes with MsgType=event.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventEnterAgent  = "enter_agent"
	EventClick       = "click"
)

// Header carries the fields common to every inbound message.
type Header struct {
	Type       Type
	ToUser     string
	FromUser   string
	CreateTime int64
	MsgID      string
	AgentID    string
}

// Head returns the common header.
func (h Header) Head() Header { return h }

// Inbound is one decrypted callback message. The concrete type is one of
// *Text, *Image, *Voice, *Location, *Event or *Unknown.
type Inbound interface {
	Head() Header
}

type Text struct {
	Header
	Content string
}

type Image struct {
	Header
	PicURL  string
	MediaID string
}

type Voice struct {
	Header
	Format  string
	MediaID string
}

type Location struct {
	Header
	Latitude  float64
	Longitude float64
	Label     string
	Scale     int
}

type Event struct {
	Header
	Event    string
	EventKey string
}

// Unknown is any MsgType this gateway has no shape for.
type Unknown struct {
	Header
	RawType string
}

// DedupeKey identifies a callback across platform re-deliveries. Messages
// carry a MsgId; events do not, so sender, time and event name stand in.
func DedupeKey(in Inbound) string {
	h := in.Head()
	if h.MsgID != "" {
		return "msg:" + h.MsgID
	}
	key := "evt:" + h.FromUser + ":" + strconv.FormatInt(h.CreateTime, 10)
	if ev, ok := in.(*Event); ok {
		key += ":" + ev.Event
	}
	return key
}
