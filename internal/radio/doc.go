// Package radio defines the contracts between the channel core and a radio
// that hands out ANT channels: Provider for the shared channel pool, Link for
// one acquired channel, and the tagged Event type links deliver.
//
// Concrete radios live in subpackages:
//   - antusb drives an ANT USB stick
//   - sim is an in-process radio for development and tests
package radio
