// Package shade is the worker host runtime. It owns the worker side of the
// coordinator contract: dial the parent transport, announce readiness,
// answer channel.open notices with dial-backs and serve the channel
// services. The worker never decides its own destruction; it requests close
// and obeys exit notices.
package shade
