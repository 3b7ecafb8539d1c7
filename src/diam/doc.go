// Package diam implements the Diameter message codec: the fixed header,
// AVPs as raw TLVs with typed accessors, and the helpers the node needs
// to build answers (PrepareAnswer, SetMandatory, CopyProxyInfo).
//
// AVPs keep their payload as raw bytes; accessors such as Unsigned32 and
// Address interpret them on demand and report malformed payloads as
// typed errors, which the protocol engine maps to Result-Codes 5014 and
// 5004.
package diam
