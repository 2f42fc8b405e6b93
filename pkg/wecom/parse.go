package wecom

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

// Message is one decrypted callback payload reduced to the fields the gateway
// routes on.
type Message struct {
	FromUser   string
	Content    string
	MsgID      string
	MsgType    string
	CreateTime int64
	AgentID    string
}

// The callback schema is flat XML with most values in CDATA sections. Tag
// scanning is deliberate here: payloads are small, non-nested, and fixed by
// the platform. With duplicate tags at different depths the first match wins.
var (
	fieldPatternMu sync.Mutex
	fieldPatterns  = make(map[string]*regexp.Regexp)
)

// ExtractField returns the text of one named tag, preferring a CDATA-wrapped
// value and falling back to a plain tag body. Missing fields yield "".
func ExtractField(payload, field string) string {
	pattern := fieldPattern(field)

	match := pattern.FindStringSubmatch(payload)
	if match == nil {
		return ""
	}
	if match[1] != "" {
		return match[1]
	}

	return match[2]
}

// ParseMessage extracts an inbound message from one decrypted payload.
//
// A missing or malformed CreateTime parses to 0 rather than failing the whole
// message.
func ParseMessage(payload string) Message {
	createTime, err := strconv.ParseInt(ExtractField(payload, "CreateTime"), 10, 64)
	if err != nil {
		createTime = 0
	}

	return Message{
		FromUser:   ExtractField(payload, "FromUserName"),
		Content:    ExtractField(payload, "Content"),
		MsgID:      ExtractField(payload, "MsgId"),
		MsgType:    ExtractField(payload, "MsgType"),
		CreateTime: createTime,
		AgentID:    ExtractField(payload, "AgentID"),
	}
}

func fieldPattern(field string) *regexp.Regexp {
	fieldPatternMu.Lock()
	defer fieldPatternMu.Unlock()

	if pattern, ok := fieldPatterns[field]; ok {
		return pattern
	}

	quoted := regexp.QuoteMeta(field)
	pattern := regexp.MustCompile(fmt.Sprintf(
		`<%s><!\[CDATA\[(.*?)\]\]></%s>|<%s>(.*?)</%s>`, quoted, quoted, quoted, quoted))
	fieldPatterns[field] = pattern

	return pattern
}
