package messaging

// PublishReceipt is the outcome of one publish attempt. It is never
// modified after creation.
type PublishReceipt struct {
	messageID string
	isError   bool
	err       error
	message   *Message
}

// NewReceipt records the outcome of publishing msg. The message itself is
// kept only on failure so that it can be retried.
func NewReceipt(msg *Message, err error) PublishReceipt {
	r := PublishReceipt{err: err, isError: err != nil}
	if msg != nil {
		r.messageID = msg.MessageID
	}
	if err != nil {
		r.message = msg
	}
	return r
}

func (r PublishReceipt) MessageID() string { return r.messageID }
func (r PublishReceipt) IsError() bool     { return r.isError }
func (r PublishReceipt) Err() error        { return r.err }

// Message returns the original message of a failed publish, or nil.
func (r PublishReceipt) Message() *Message { return r.message }

// Key identifies the receipt by message id.
func (r PublishReceipt) Key() string { return r.messageID }

// Equal reports whether both receipts belong to the same message.
func (r PublishReceipt) Equal(o PublishReceipt) bool { return r.messageID == o.messageID }
