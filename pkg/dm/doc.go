// Package dm implements direct-messaging session management for the
// Spiritbulb shared-meals client.
//
// Ownership model:
//   - Coordinator is the single entry point: it derives channel identities,
//     loads history, opens the live transport, and owns the per-channel
//     session map (at most one transport is live at a time).
//   - Ledger is the ordered, deduplicated view of the active conversation;
//     callers read it, never mutate it.
//   - TransportSession manages one websocket connection with bounded linear
//     reconnect backoff; HistoryLoader and RecipientsClient wrap the REST
//     collaborator endpoints.
//   - Notifier publishes new-message and connection-state events on an
//     in-process bus for the notification collaborator.
//
// Typical setup:
//   - Build a Coordinator with NewCoordinator(DefaultConfig()).
//   - Subscribe to Notifier().Messages and Notifier().States.
//   - Open(ctx, self, peer), Send(text), render Messages().
package dm
