package backup

// Verdict is the outcome of conflict detection for one incoming write.
type Verdict int

const (
	// VerdictAccept means the write supersedes the stored row (or none exists).
	VerdictAccept Verdict = iota
	// VerdictConflict means two devices diverged and a user must choose.
	VerdictConflict
)

func (v Verdict) String() string {
	if v == VerdictConflict {
		return "conflict"
	}
	return "accept"
}

// Detect decides whether an incoming encrypted write supersedes the stored
// row or collides with it. The decision uses metadata only; ciphertext is
// never inspected.
//
// A write is accepted when no row exists for the logical id, or when the
// stored row was written by the same device: a device's own later write is
// authoritative over its own earlier write. Writes from a different device
// always conflict, whether the timestamps differ or tie. Ties in particular
// are never broken by timestamp comparison, since that would silently and
// arbitrarily pick a winner over content the server cannot read.
func Detect(existing *EncryptedBackup, incoming Version) Verdict {
	if existing == nil {
		return VerdictAccept
	}
	if existing.DeviceID == incoming.DeviceID.String() {
		return VerdictAccept
	}
	return VerdictConflict
}
