package practice

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprinter builds an input digest for memoized computations. It hashes
// the identity and content of a session slice, never wall-clock time, so an
// unchanged slice always produces the same fingerprint.
type Fingerprinter struct {
	d   *xxhash.Digest
	buf [8]byte
}

// NewFingerprinter returns an empty fingerprinter.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{d: xxhash.New()}
}

// Sessions mixes a session slice into the digest: its count, its newest
// StartedAt, and every session's id, bounds, duration and blocks.
func (f *Fingerprinter) Sessions(sessions []Session) *Fingerprinter {
	f.int(int64(len(sessions)))
	f.int(Latest(sessions).UnixNano())
	for _, s := range sessions {
		f.str(s.ID)
		f.int(s.StartedAt.UnixNano())
		f.int(s.EndedAt.UnixNano())
		f.int(s.DurationSeconds)
		f.int(int64(len(s.Blocks)))
		for _, b := range s.Blocks {
			f.str(b.SkillTag)
			f.str(b.ExerciseID)
			if b.SelfRating != nil {
				f.int(int64(*b.SelfRating))
			} else {
				f.int(-1)
			}
			f.int(int64(b.TargetBPM))
			f.int(int64(b.AchievedBPM))
			if b.Completed {
				f.int(1)
			} else {
				f.int(0)
			}
		}
	}
	return f
}

// Strings mixes arbitrary labels, such as a policy version, into the digest.
func (f *Fingerprinter) Strings(values ...string) *Fingerprinter {
	for _, v := range values {
		f.str(v)
	}
	return f
}

// Sum returns the fingerprint as a fixed-width hex string.
func (f *Fingerprinter) Sum() string {
	s := strconv.FormatUint(f.d.Sum64(), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

func (f *Fingerprinter) int(v int64) {
	binary.LittleEndian.PutUint64(f.buf[:], uint64(v))
	_, _ = f.d.Write(f.buf[:])
}

// str writes a length prefix so adjacent strings cannot collide by shifting.
func (f *Fingerprinter) str(v string) {
	f.int(int64(len(v)))
	_, _ = f.d.WriteString(v)
}

// Fingerprint is a shorthand for hashing one slice plus labels.
func Fingerprint(sessions []Session, labels ...string) string {
	return NewFingerprinter().Sessions(sessions).Strings(labels...).Sum()
}
