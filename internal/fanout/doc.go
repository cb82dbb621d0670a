// Package fanout implements subscriber outbound queues and the backpressure
// controller. Every live subscriber gets a queue bounded by entry count and
// bytes. Crossing the soft watermark for longer than the grace window flags
// the subscriber degraded; crossing a hard limit rejects the enqueue, which
// the dispatcher answers with a forced disconnect. One slow consumer loses
// its live feed, the broker's memory stays bounded, and everyone else keeps
// receiving.
package fanout
