// Package pools owns the broker connections and channels used by the
// publisher, the consumers and the topology manager.
//
// This package includes:
//   - ConnectionPool: a bounded set of ConnectionHosts handed out
//     round-robin, redialled transparently when they die
//   - ChannelPool: plain and confirm-mode ChannelHosts bounded separately,
//     plus transient channels that are never pooled
//   - Repair loops: a channel returned with an error is taken out of
//     circulation and rebuilt in the background until it works again
//
// Every host is idle in its pool, checked out by exactly one caller, or
// under repair. Callers hand hosts back with ReturnChannel and say whether
// the work on them failed:
//
//	host, err := channels.GetChannel(ctx)
//	if err != nil {
//		return err
//	}
//	err = host.Publish(ctx, "orders", "order.created", false, publishing)
//	channels.ReturnChannel(host, err != nil)
package pools
