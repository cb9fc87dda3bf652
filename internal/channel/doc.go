// Package channel manages ANT channels acquired from a radio.Provider.
//
// A Controller owns one radio.Link: it opens the channel as a bidirectional
// master or slave, tracks the 8 byte broadcast buffer and turns radio events
// into Info snapshots. Masters count byte 0 up on every transmission; the
// listener always sees the value that went over the air before the next one
// is queued.
//
// A Registry hands out controllers:
//   - device numbers start at 1 and are never reused
//   - acquisition and close-all are serialized
//   - channel changes and availability edges go to one Listener
//
// All channel failures are terminal. A dead controller is never reopened;
// callers acquire a new channel instead.
package channel
