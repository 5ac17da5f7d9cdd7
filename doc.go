// Symbiosome lets independent application instances, each bound to an
// *origin* (scheme+host+port), push structured messages to each other
// without routing through a central server.
//
// One instance (the "parent") opens a *portal* to another origin and can
// push messages through it; every instance also rebroadcasts messages on a
// same-origin *local bus* so that all execution contexts of that origin
// (processes, workers, tabs) which opted in observe them uniformly.
//
// ## How it works
//
// Create a `Symbiosome` bound to your own origin. Call
// `Symbiosome.ListenToOrigin` to receive messages tagged with a given
// origin, and `Symbiosome.AddPortal` to open an outbound channel to a
// remote origin. `Symbiosome.PushToOrigin` then routes each message:
//
//   - same-origin pushes fan out on the local bus, reaching every
//     subscriber of the origin's deterministic channel name (including the
//     pushing instance itself, if it holds a listener for its own origin);
//   - cross-origin pushes travel over the portal's directed transport and
//     are re-injected into the *receiving* side's local bus, so remote and
//     local deliveries look identical to listeners.
//
// A receiving instance runs in *portal mode*: it captures a single trusted
// parent origin at construction (from the `parent` query parameter of its
// startup URL) and silently drops inbound traffic claiming any other
// sender. That origin-string equality check is the whole authentication
// story; payloads stay opaque bytes end to end.
//
// Sends are fire-and-forget: once `PushToOrigin` returns, delivery is
// asynchronous and its outcome unobservable. FIFO order holds per sender
// per channel, and nowhere else.
//
// ## Dependencies
//
// The engine keeps its dependency surface small and boring:
//
//   - [`quic-go`][dep-quic] carries cross-origin portals (one connection
//     and one send stream per portal);
//   - [`hashicorp/memberlist`][dep-mbl] extends the local bus across
//     same-origin processes via UDP gossip (`pkg/bus`);
//   - [`protobuf/encoding/protowire`][dep-pw] frames everything on the wire;
//   - `log/slog` and [`hashicorp/go-metrics`][dep-met] provide the
//     observability plumbing.
//
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-pw]: https://pkg.go.dev/google.golang.org/protobuf/encoding/protowire
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package symbiosome
