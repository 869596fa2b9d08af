package outbound

import (
	"strconv"

	"github.com/mattjoyce/wecom-gw/internal/wecom"
)

// Outbound is a message the gateway pushes to a user through message/send.
// The concrete type is one of Text, Markdown, File or Location.
type Outbound interface {
	Recipient() string
	wire(agentID int64) wecom.Message
}

type Text struct {
	ToUser  string
	Content string
}

type Markdown struct {
	ToUser  string
	Content string
}

// File sends previously uploaded media.
type File struct {
	ToUser  string
	MediaID string
}

type Location struct {
	ToUser    string
	Latitude  float64
	Longitude float64
	Title     string
	Address   string
	Scale     int
}

func (m Text) Recipient() string     { return m.ToUser }
func (m Markdown) Recipient() string { return m.ToUser }
func (m File) Recipient() string     { return m.ToUser }
func (m Location) Recipient() string { return m.ToUser }

func (m Text) wire(agentID int64) wecom.Message {
	return wecom.Message{ToUser: m.ToUser, MsgType: "text", AgentID: agentID, Text: &wecom.TextContent{Content: m.Content}}
}

func (m Markdown) wire(agentID int64) wecom.Message {
	return wecom.Message{ToUser: m.ToUser, MsgType: "markdown", AgentID: agentID, Markdown: &wecom.TextContent{Content: m.Content}}
}

func (m File) wire(agentID int64) wecom.Message {
	return wecom.Message{ToUser: m.ToUser, MsgType: "file", AgentID: agentID, File: &wecom.MediaContent{MediaID: m.MediaID}}
}

func (m Location) wire(agentID int64) wecom.Message {
	scale := m.Scale
	if scale == 0 {
		scale = 15
	}
	return wecom.Message{
		ToUser:  m.ToUser,
		MsgType: "location",
		AgentID: agentID,
		Location: &wecom.LocationContent{
			Latitude:  strconv.FormatFloat(m.Latitude, 'f', -1, 64),
			Longitude: strconv.FormatFloat(m.Longitude, 'f', -1, 64),
			Title:     m.Title,
			Address:   m.Address,
			Scale:     scale,
		},
	}
}

// longContent returns the body of messages subject to the document fallback.
func longContent(m Outbound) (string, bool) {
	switch v := m.(type) {
	case Text:
		return v.Content, true
	case Markdown:
		return v.Content, true
	case *Text:
		return v.Content, true
	case *Markdown:
		return v.Content, true
	}
	return "", false
}
