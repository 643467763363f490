// Package notify keeps a displayed folder view in sync with server change notifications.
//
// A ChannelManager holds one websocket push channel open and reconnects after a fixed delay.
// Each received frame is decoded into a ChangeEvent and passed to a Reconciler, which compares
// the event paths against the live current folder and reloads or redirects the view.
//
// Logging convention in the `notify` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - connect errors and connection loss
//     - dropped slow clients
// Warning:
//     recovered panics and collaborator errors
// V(1):
//     dropped frames and invalid events
// V(2):
//     per-frame and per-action trace, connect timing
package notify
