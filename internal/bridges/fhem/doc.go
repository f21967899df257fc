// Package fhem connects ghome-fhem to an FHEM home automation server.
//
// It consumes the FHEMWEB longpoll event stream, sends set commands through
// the FHEMWEB command endpoint and exposes normalized device state on MQTT.
//
// # Architecture
//
//	┌──────────┐  longpoll (HTTP)   ┌──────────────┐  Update   ┌─────────────┐
//	│   FHEM   │───────────────────►│ StreamReader │──────────►│    Cache    │
//	│ FHEMWEB  │◄───────────────────│    Client    │           │  Registry   │
//	└──────────┘   ?cmd=set ...     └──────────────┘           └─────────────┘
//	                                       ▲                          │
//	                                       │ Dispatcher               ▼
//	                                ┌──────────────┐   state   ┌─────────────┐
//	                                │    Bridge    │◄──────────│  callbacks  │
//	                                └──────────────┘           └─────────────┘
//	                                       ▲ MQTT
//
// # Key Responsibilities
//
//   - Keep one longpoll stream per FHEM server open, reconnecting with
//     linear backoff and resuming from the last processed event
//   - Split the chunked stream into lines and decode them into records
//   - Deliver records through a sharded worker pool so per-attribute order
//     holds while a slow consumer cannot stall the stream
//   - Resolve and send set commands, with debounce, identify, hue and
//     saturation handling
//   - Publish state, acknowledgements and health on MQTT
//
// # Longpoll Format
//
// Each line of the stream is either a JSON array
//
//	["lamp-state","on","<html>"]
//
// or the older "<<" separated form
//
//	lamp-state<<on<<<html>
//
// Keys ending in "-ts", FHEMWEB internal keys and command echoes ("set-...")
// are discarded by Decode.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package fhem
