// Package kasa implements the local-network protocol used by TP-Link Kasa
// smart plugs and bulbs.
//
// It provides discovery of devices by UDP broadcast, a bounded registry of
// discovered devices, and per-device command/query operations over TCP.
//
// # Architecture
//
//	┌─────────────┐  Scan   ┌──────────┐  Plug / Bulb  ┌─────────┐  TCP 9999
//	│   Manager   │────────►│ Registry │──────────────►│ Session │◄──────────► device
//	└─────────────┘         └──────────┘               └─────────┘
//	       │  UDP broadcast 9999 (Scanner)                   ▲
//	       └─────────────────────────────────────────────────┘
//
// A Session is the explicit context object for all device I/O. It owns the
// single lock that serialises commands, queries and discovery, so at most
// one socket operation is in flight at a time.
//
// # Wire Format
//
// Payloads are JSON obfuscated with an autokey XOR stream (seed 171).
// TCP payloads carry a 4-byte header (two zero bytes and a big-endian
// 16-bit length); UDP discovery payloads are unframed. The cipher is not a
// security boundary.
//
// # Device Families
//
// Models are classified by prefix:
//
//   - HS, KP, EP: Plug
//   - LB, KL: Bulb
//
// Anything else is ignored during discovery.
//
// # State
//
// Commands update local state optimistically before any confirmation and
// mark it as assumed. A successful query replaces it with confirmed state.
// A failed query never invalidates cached state.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package kasa
