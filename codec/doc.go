// Package codec provides the byte-oriented encoding used on the kiribi wire.
//
// Variable-length fields are prefixed with unsigned varints (multiformats
// encoding), fixed-width integers are big-endian, and socket addresses use a
// fixed 20-byte form so that they fit the NATT and discovery packet layouts.
package codec
