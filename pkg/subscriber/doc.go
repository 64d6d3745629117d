// Package subscriber defines the public contracts of the streaming-pull subscriber.
//
// This package holds the abstractions application code programs against:
//   - Message: a single delivery handed to the application, finalized with Ack or Nack
//   - Handler: the application callback invoked once per delivery
//   - Handle: the running subscription, with Wait and Cancel
//   - FlowControl: the outstanding message/byte budget
//
// Delivery is at-least-once. A message that is neither acked nor nacked keeps its
// lease extended until it is finalized, the subscription shuts down, or the maximum
// extension period passes, after which the broker is free to redeliver it.
//
// Example usage:
//
//	c := client.New(conn, client.WithLogger(logger))
//	handle, err := c.Subscribe(ctx, "projects/p/subscriptions/s",
//		subscriber.HandlerFunc(func(ctx context.Context, msg subscriber.Message) error {
//			process(msg.Data())
//			return msg.Ack()
//		}),
//		subscriber.FlowControl{MaxOutstandingMessages: 100},
//	)
//	if err != nil {
//		return err
//	}
//
//	// Block until a permanent error, or call handle.Cancel() to drain and stop.
//	if err := handle.Wait(context.Background()); err != nil {
//		return err
//	}
package subscriber
