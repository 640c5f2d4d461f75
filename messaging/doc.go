// Package messaging holds the value types passed between the publisher, the
// consumer and application code.
//
// This package includes:
//   - Message and Metadata: an outbound message and the record of the
//     transforms applied to its body
//   - Headers: the typed view of the X-RK-* headers carried on every publish
//   - PublishReceipt: the immutable outcome of one publish attempt
//   - ReceivedMessage: one delivery with at-most-once Ack/Nack/Reject and a
//     completion signal
//
// Transforms are applied compress then encrypt on the way out and decrypt
// then decompress on the way in:
//
//	msg := messaging.NewMessage("orders", "order.created", body)
//	if _, err := msg.Compress(compression.NewGzip()); err != nil {
//		return err
//	}
//	if _, err := msg.Encrypt(aead); err != nil {
//		return err
//	}
package messaging
