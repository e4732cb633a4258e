package proto

// Version is the wire protocol version. Envelopes and messages carrying a
// different value are rejected whole.
const Version = 0

// MaxEnvelopeSize bounds a single encoded link frame. Writers that overflow
// it fail the encode and the message is dropped.
const MaxEnvelopeSize = 8192
