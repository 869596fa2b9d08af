package message

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTextReply(t *testing.T) {
	to := Header{ToUser: "corp", FromUser: "zhangsan"}
	out, err := RenderReply(to, TextReply{Content: "got it <3"}, time.Unix(1700000000, 0))
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<xml>"))
	assert.Contains(t, s, "<ToUserName><![CDATA[zhangsan]]></ToUserName>")
	assert.Contains(t, s, "<FromUserName><![CDATA[corp]]></FromUserName>")
	assert.Contains(t, s, "<CreateTime>1700000000</CreateTime>")
	assert.Contains(t, s, "<MsgType><![CDATA[text]]></MsgType>")
	assert.Contains(t, s, "<Content><![CDATA[got it <3]]></Content>")

	// The rendered reply must itself be parseable as a text message.
	in, err := ParseInbound(out)
	require.NoError(t, err)
	assert.Equal(t, "got it <3", in.(*Text).Content)
}

func TestRenderReplyPointer(t *testing.T) {
	out, err := RenderReply(Header{FromUser: "u"}, &TextReply{Content: "x"}, time.Unix(1, 0))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<Content><![CDATA[x]]></Content>")
}
