// Package messaging keeps subscriptions alive on top of unreliable transports.
//
// The package contains:
//   - Transport, TransportFactory and ProcessingGroup: the driver contract
//   - TransportRegistry and TransportManager: one connection per transport and one
//     session per processing group, evicted when the broker reports a failure
//   - SubscriptionManager: resubscribes after failures and hands messages to a
//     per-group worker pool ordered by priority
//   - request/reply helpers shared by the drivers
//
// Example usage:
//
//	manager := messaging.NewTransportManager(resolver, []messaging.TransportFactory{inmemory.NewFactory()})
//	subscriptions, err := messaging.NewSubscriptionManager(manager, time.Second)
//	if err != nil {
//		return err
//	}
//	defer subscriptions.Close()
//
//	sub, err := subscriptions.Subscribe(endpoint, func(msg *contracts.BinaryMessage, ack messaging.AcknowledgeFunc) {
//		ack(0, process(msg) == nil)
//	}, "", "default", 0)
package messaging
