// Package broker is the core engine: durable topic logs, live fan-out with
// glob and CEL filtering, replay with a gapless seam into the live feed, and
// consumer groups with ack and reclaim. Publish commits to the log first and
// fans out after, so delivery problems never fail a publish; subscribers that
// overrun their queue bounds are disconnected rather than slowing anyone
// else down.
package broker
