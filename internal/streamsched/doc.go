// Package streamsched fuses push notifications and size polling to fire
// program runs when a named stream accumulates a configured amount of new
// bytes.
//
// The core has three moving parts: Registry is the façade mapping schedule
// and stream identifiers to Subscribers; Subscriber is the per-stream
// coordinator joining push and pull size observations into one monotone
// signal; ScheduleTask is the per-schedule watermark and firing state
// machine. Everything else (persistence, notification transport, size
// probing, program execution) is injected through the interfaces in
// types.go.
package streamsched
