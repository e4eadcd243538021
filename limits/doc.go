// Package limits provides centralized wire size limits for the kiribi transport.
// Every layer that frames or fragments data validates against these constants so
// that a packet accepted by one layer is never rejected by the next.
package limits
