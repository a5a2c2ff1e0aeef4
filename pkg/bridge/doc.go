// Package bridge streams fixed-size chunks between DMA buffers and a
// connected byte stream.
//
// Every chunk is one full DMA cycle (init, start, wait-done, reset) paired
// with one socket operation. There is no framing or handshake on the wire:
//
//   - device-to-host: the server pushes DeviceToHostChunk bytes after each
//     completed S2MM cycle, until a send fails.
//   - host-to-device: the server reads exactly HostToDeviceChunk bytes, then
//     runs one MM2S cycle, until the peer stops sending.
//
// # Modes
//
// A [Server] serves one connection at a time in one of four modes:
//
//   - sequential: host-to-device until end of stream, then device-to-host.
//   - host-to-device: receive only.
//   - device-to-host: send only.
//   - concurrent: both directions at once on their separate channels.
//
// A client that only wants device data in sequential mode should half-close
// its write side so the receive phase ends immediately instead of waiting
// for the I/O timeout.
package bridge
