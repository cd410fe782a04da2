// Package layout computes the byte layout of a stored ZIP archive without
// reading any entry content.
//
// The planner drives a ZIP encoder over placeholder content of the declared
// length and records every byte the encoder emits together with the running
// cursor. The result is a Layout: static header, descriptor and central
// directory bytes, the offset and length of every data region, and the
// positions of CRC-32 fields that can only be filled once content is read.
package layout
