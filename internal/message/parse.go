package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// ParseInbound decodes the plaintext XML carried inside a callback envelope.
// MsgType, FromUserName and CreateTime are mandatory; anything else missing
// is left zero except where a message type cannot be acted on without it.
func ParseInbound(data []byte) (Inbound, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.SelectElement("xml")
	if root == nil {
		return nil, fmt.Errorf("%w: missing <xml> root", ErrMalformed)
	}

	h, err := parseHeader(root)
	if err != nil {
		return nil, err
	}

	switch h.Type {
	case TypeText:
		return &Text{Header: h, Content: text(root, "Content")}, nil

	case TypeImage:
		return &Image{Header: h, PicURL: text(root, "PicUrl"), MediaID: text(root, "MediaId")}, nil

	case TypeVoice:
		v := &Voice{Header: h, Format: text(root, "Format"), MediaID: text(root, "MediaId")}
		if v.MediaID == "" || v.Format == "" {
			return nil, fmt.Errorf("%w: voice message needs MediaId and Format", ErrMalformed)
		}
		return v, nil

	case TypeLocation:
		loc := &Location{Header: h, Label: text(root, "Label")}
		if loc.Latitude, err = parseFloat(root, "Location_X"); err != nil {
			return nil, err
		}
		if loc.Longitude, err = parseFloat(root, "Location_Y"); err != nil {
			return nil, err
		}
		if s := text(root, "Scale"); s != "" {
			if loc.Scale, err = strconv.Atoi(s); err != nil {
				return nil, fmt.Errorf("%w: Scale %q", ErrMalformed, s)
			}
		}
		return loc, nil

	case TypeEvent:
		ev := &Event{Header: h, Event: text(root, "Event"), EventKey: text(root, "EventKey")}
		if ev.Event == "" {
			return nil, fmt.Errorf("%w: event message without Event", ErrMalformed)
		}
		return ev, nil

	default:
		return &Unknown{Header: h, RawType: string(h.Type)}, nil
	}
}

func parseHeader(root *etree.Element) (Header, error) {
	h := Header{
		Type:     Type(text(root, "MsgType")),
		ToUser:   text(root, "ToUserName"),
		FromUser: text(root, "FromUserName"),
		MsgID:    text(root, "MsgId"),
		AgentID:  text(root, "AgentID"),
	}
	if h.Type == "" {
		return h, fmt.Errorf("%w: missing MsgType", ErrMalformed)
	}
	if h.FromUser == "" {
		return h, fmt.Errorf("%w: missing FromUserName", ErrMalformed)
	}

	ct := text(root, "CreateTime")
	if ct == "" {
		return h, fmt.Errorf("%w: missing CreateTime", ErrMalformed)
	}
	n, err := strconv.ParseInt(ct, 10, 64)
	if err != nil {
		return h, fmt.Errorf("%w: CreateTime %q", ErrMalformed, ct)
	}
	h.CreateTime = n
	return h, nil
}

func text(root *etree.Element, tag string) string {
	if el := root.SelectElement(tag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func parseFloat(root *etree.Element, tag string) (float64, error) {
	s := text(root, tag)
	if s == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, tag)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, tag, s)
	}
	return f, nil
}
