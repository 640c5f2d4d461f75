// Package rabbitmq is the thin driver layer between rabbitkit and amqp091-go.
//
// This package includes:
//   - Connection and Channel: the narrow views of *amqp.Connection and
//     *amqp.Channel that the rest of the module is written against
//   - DialConfig: the default Dialer backed by amqp091-go
//   - Typed errors shared by the pools, publisher, consumer and topology
//     manager, and SanitizeURL for logging connection strings
package rabbitmq
