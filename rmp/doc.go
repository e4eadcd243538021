// Package rmp implements the reliable message protocol: arbitrary-length
// messages delivered over an unreliable datagram path.
//
// A message is cut into chunks of at most [limits.MaxChunkSize] bytes, and
// chunks are grouped into segments of [limits.ChunksPerSegment]. The sender
// announces the total length with SYN, then sends one segment at a time; the
// receiver acknowledges each complete segment with FIN and reports missing
// chunks of an incomplete segment with a NAK bitmask.
//
//	tag(1) | session id(4) | command(1) | seqno / segno / length(4) | payload
//
// All session state lives in a single processing goroutine per [Processor];
// callers interact only through [Processor.Send] and [Processor.Process].
package rmp
