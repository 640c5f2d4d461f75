package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/rabbitkit/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known header keys.
const (
	HeaderObjectType  = "X-RK-OBJECTTYPE"
	HeaderContentType = "X-RK-CONTENTTYPE"
	HeaderEncrypted   = "X-RK-ENCRYPTED"
	HeaderEncryption  = "X-RK-ENCRYPTION"
	HeaderEncryptDate = "X-RK-ENCRYPTDATE"
	HeaderCompressed  = "X-RK-COMPRESSED"
	HeaderCompression = "X-RK-COMPRESSION"
	HeaderTraceID     = "X-RK-TRACEID"
	HeaderPayloadID   = "X-RK-PAYLOADID"
)

// Object types carried in HeaderObjectType.
const (
	// ObjectTypeMessage means the body is a serialized Message.
	ObjectTypeMessage = "MESSAGE"
	// ObjectTypePayload means the body is the raw payload.
	ObjectTypePayload = "PAYLOAD"
)

const headerPrefix = "X-RK-"

// Headers is the typed view of the headers of one delivery.
type Headers struct {
	ObjectType      string
	ContentType     string
	Encrypted       bool
	EncryptionType  string
	EncryptedAt     time.Time
	Compressed      bool
	CompressionType string
	TraceID         string
	PayloadID       string
	// Custom holds every other X- prefixed header.
	Custom map[string]any
}

// Table renders h as an AMQP header table.
func (h Headers) Table() amqp.Table {
	t := amqp.Table{}
	if h.ObjectType != "" {
		t[HeaderObjectType] = h.ObjectType
	}
	if h.ContentType != "" {
		t[HeaderContentType] = h.ContentType
	}
	t[HeaderEncrypted] = h.Encrypted
	if h.Encrypted {
		t[HeaderEncryption] = h.EncryptionType
		if !h.EncryptedAt.IsZero() {
			t[HeaderEncryptDate] = h.EncryptedAt.UTC().Format(time.RFC3339)
		}
	}
	t[HeaderCompressed] = h.Compressed
	if h.Compressed {
		t[HeaderCompression] = h.CompressionType
	}
	if h.TraceID != "" {
		t[HeaderTraceID] = h.TraceID
	}
	if h.PayloadID != "" {
		t[HeaderPayloadID] = h.PayloadID
	}
	for k, v := range h.Custom {
		t[k] = v
	}
	return t
}

// ParseHeaders decodes an AMQP header table. Unknown non X- keys are ignored.
func ParseHeaders(t amqp.Table) Headers {
	var h Headers
	for k, v := range t {
		switch k {
		case HeaderObjectType:
			h.ObjectType = asString(v)
		case HeaderContentType:
			h.ContentType = asString(v)
		case HeaderEncrypted:
			h.Encrypted = asBool(v)
		case HeaderEncryption:
			h.EncryptionType = asString(v)
		case HeaderEncryptDate:
			switch d := v.(type) {
			case time.Time:
				h.EncryptedAt = d
			default:
				if ts, err := time.Parse(time.RFC3339, asString(v)); err == nil {
					h.EncryptedAt = ts
				}
			}
		case HeaderCompressed:
			h.Compressed = asBool(v)
		case HeaderCompression:
			h.CompressionType = asString(v)
		case HeaderTraceID:
			h.TraceID = asString(v)
		case HeaderPayloadID:
			h.PayloadID = asString(v)
		default:
			if strings.HasPrefix(k, "X-") && !strings.HasPrefix(k, headerPrefix) {
				if h.Custom == nil {
					h.Custom = make(map[string]any)
				}
				h.Custom[k] = v
			}
		}
	}
	return h
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

// headers derives the header set for m with the given object type.
func (m *Message) headers(objectType string) Headers {
	md := m.Meta()
	return Headers{
		ObjectType:      objectType,
		ContentType:     m.ContentType,
		Encrypted:       md.Encrypted,
		EncryptionType:  md.EncryptionType,
		EncryptedAt:     md.EncryptedAt,
		Compressed:      md.Compressed,
		CompressionType: md.CompressionType,
		TraceID:         md.TraceID,
		PayloadID:       md.PayloadID,
		Custom:          md.Custom,
	}
}

// Publishing builds the AMQP publishing for m. With a serializer the whole
// message becomes the body and the object type is MESSAGE; otherwise the
// body is sent as is with object type PAYLOAD. Headers are omitted when
// withHeaders is false.
func (m *Message) Publishing(withHeaders bool, s serialization.Provider) (amqp.Publishing, error) {
	if err := m.Validate(); err != nil {
		return amqp.Publishing{}, err
	}
	md := m.Meta()
	p := amqp.Publishing{
		MessageId:    m.MessageID,
		ContentType:  m.ContentType,
		DeliveryMode: m.Options.DeliveryMode,
		Priority:     m.Options.Priority,
		Type:         m.Options.Type,
		Timestamp:    time.Now().UTC(),
		Body:         m.Body,
	}
	objectType := ObjectTypePayload
	if s != nil {
		body, err := s.Serialize(m)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("serialize message %s: %w", m.MessageID, err)
		}
		p.Body = body
		p.ContentType = s.ContentType()
		objectType = ObjectTypeMessage
	}
	if md.TraceID != "" {
		p.CorrelationId = md.TraceID
	}
	if withHeaders {
		p.Headers = m.headers(objectType).Table()
	}
	return p, nil
}
