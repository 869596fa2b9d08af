package message

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Reply is a passive response returned in the callback HTTP body.
type Reply interface {
	replyType() string
}

// TextReply answers with plain text.
type TextReply struct {
	Content string
}

func (TextReply) replyType() string { return "text" }

type cdata struct {
	Value string `xml:",cdata"`
}

type replyXML struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      *cdata   `xml:"Content,omitempty"`
}

// RenderReply lays out r as the reply XML for the message described by to.
// Sender and recipient are swapped relative to the inbound header.
func RenderReply(to Header, r Reply, now time.Time) ([]byte, error) {
	out := replyXML{
		ToUserName:   cdata{to.FromUser},
		FromUserName: cdata{to.ToUser},
		CreateTime:   now.Unix(),
		MsgType:      cdata{r.replyType()},
	}

	switch v := r.(type) {
	case TextReply:
		out.Content = &cdata{v.Content}
	case *TextReply:
		out.Content = &cdata{v.Content}
	default:
		return nil, fmt.Errorf("unsupported reply type %T", r)
	}

	return xml.Marshal(out)
}
