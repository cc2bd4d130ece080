package contracts

// Header names of the request/reply protocol
const (
	HeaderReplyTo       = "ReplyTo"
	HeaderCorrelationID = "CorrelationId"
)

// HeaderMessageID carries the id stamped on typed publishes
const HeaderMessageID = "MessageId"

// BinaryMessage is the unit handed to and received from transports.
//
// A message may be modified until it is passed to a processing group; after that
// it must be treated as immutable.
type BinaryMessage struct {
	Bytes   []byte            `msgpack:"bytes" json:"bytes"`
	Type    string            `msgpack:"type" json:"type"`
	Headers map[string]string `msgpack:"headers,omitempty" json:"headers,omitempty"`
}

// NewBinaryMessage creates a message with an empty header map
func NewBinaryMessage(body []byte, messageType string) *BinaryMessage {
	return &BinaryMessage{
		Bytes:   body,
		Type:    messageType,
		Headers: make(map[string]string),
	}
}

// Header returns a header value
func (m *BinaryMessage) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header value
func (m *BinaryMessage) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Clone returns a deep copy of the message
func (m *BinaryMessage) Clone() *BinaryMessage {
	if m == nil {
		return nil
	}
	c := &BinaryMessage{Type: m.Type}
	if m.Bytes != nil {
		c.Bytes = append([]byte(nil), m.Bytes...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// MatchesType reports whether the message passes a type filter.
// An empty filter matches every message.
func (m *BinaryMessage) MatchesType(filter string) bool {
	return filter == "" || m.Type == filter
}
