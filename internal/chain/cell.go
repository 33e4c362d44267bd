package chain

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
)

// textCommentTag is the 32-bit discriminator of a plain-text transfer
// comment in a message body. Any other tag means the payload is some
// structured message (jetton transfer, contract call) and carries no
// user comment.
const textCommentTag = uint32(0x00000000)

// DecodeComment extracts a plain-text comment from a raw message body.
//
// The body is a tagged binary payload: a fixed-width 32-bit big-endian
// discriminator followed by tag-specific content. Only the plain-text
// tag is decoded; the content is the comment bytes, with trailing NULs
// stripped and surrounding whitespace trimmed.
func DecodeComment(body []byte) (string, bool) {
	if len(body) < 4 {
		return "", false
	}
	if binary.BigEndian.Uint32(body[:4]) != textCommentTag {
		return "", false
	}
	comment := strings.TrimRight(string(body[4:]), "\x00")
	return strings.TrimSpace(comment), true
}

// Comment returns the decoded transfer comment of the transaction's
// inbound message, if it has one.
func (t *Transaction) Comment() (string, bool) {
	if t.InMsg == nil {
		return "", false
	}
	switch t.InMsg.MsgData.Type {
	case "msg.dataText":
		// Indexer already stripped the tag; text is base64 of the
		// comment itself.
		raw, err := base64.StdEncoding.DecodeString(t.InMsg.MsgData.Text)
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(strings.TrimRight(string(raw), "\x00")), true
	case "msg.dataRaw":
		raw, err := base64.StdEncoding.DecodeString(t.InMsg.MsgData.Body)
		if err != nil {
			return "", false
		}
		return DecodeComment(raw)
	default:
		return "", false
	}
}

// InValue returns the inbound nanoton value of the transaction, or
// "0" when it has no inbound message.
func (t *Transaction) InValue() string {
	if t.InMsg == nil || t.InMsg.Value == "" {
		return "0"
	}
	return t.InMsg.Value
}
