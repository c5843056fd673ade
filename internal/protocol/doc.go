// Package protocol drives the per-file sync exchange over an
// internal/protocol/packet.Codec: INIT announces a candidate hash,
// SACK either short-circuits an already-matching file or carries a
// signature to diff against, SDLT carries the resulting delta (or, past
// the force-full threshold, a FRCE announces a whole-file MMAP transfer
// instead), and the receiving side applies the result. Both sides run the
// same Machine; which role a given call plays is determined by whether it
// is initiating (it believes its local copy is newer) or responding (it
// is waiting on an incoming INIT).
//
// Simultaneous initiation is possible when both sides detect a change to
// the same file around the same time. The tie-break rule: the side whose
// syncr_id sorts lexicographically lower continues as the initiator; the
// other steps aside and serves the winner's INIT instead of erroring.
package protocol
