package wire

// Message is one wire-protocol message: a structured map carrying the
// conventional "message" tag, plus msgid/respid/status/error fields and
// whatever payload fields the tag implies (spec §6's message catalog). A
// plain map, rather than one struct per tag, lets all three negotiated
// codecs (json/msgp/bson) marshal it without per-codec struct tags, the
// same way the teacher lets upspin.Refdata travel as a JSON object without
// a wire-specific wrapper type.
type Message map[string]interface{}

// Field name conventions shared by every message on the wire (spec §6).
const (
	FieldTag    = "message"
	FieldMsgID  = "msgid"
	FieldRespID = "respid"
	FieldStatus = "status"
	FieldError  = "error"
)

// Status values carried in FieldStatus on a response.
const (
	StatusOK       = "OK"
	StatusFail     = "FAIL"
	StatusAuthFail = "AUTHFAIL"
)

// NewMessage builds a request Message tagged with name; fields are merged
// in after the tag so callers can still override it (they shouldn't).
func NewMessage(tag string, fields Message) Message {
	m := Message{FieldTag: tag}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

// NewResponse builds a reply to req tagged with name, echoing req's msgid
// as respid per spec §5's FIFO-response-ordering contract.
func NewResponse(req Message, tag string, fields Message) Message {
	m := Message{FieldTag: tag, FieldRespID: req.MsgID()}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

// NewFail builds a FAIL response to req carrying a human-readable error.
func NewFail(req Message, err error) Message {
	return Message{
		FieldTag:    "FAIL",
		FieldRespID: req.MsgID(),
		FieldStatus: StatusFail,
		FieldError:  err.Error(),
	}
}

// Tag returns the message's "message" field.
func (m Message) Tag() string {
	if v, ok := m[FieldTag].(string); ok {
		return v
	}
	return ""
}

// MsgID returns the message's monotonic request id, or 0 if absent.
func (m Message) MsgID() int64 { return m.int64Field(FieldMsgID) }

// RespID returns the response's echoed request id, or 0 if absent.
func (m Message) RespID() int64 { return m.int64Field(FieldRespID) }

// Status returns the message's status field, defaulting to StatusOK when
// absent (request messages never carry one).
func (m Message) Status() string {
	if v, ok := m[FieldStatus].(string); ok {
		return v
	}
	return StatusOK
}

func (m Message) int64Field(key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64: // JSON/BSON numeric round trip
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}
