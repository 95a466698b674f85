package verifyqueue

import (
	"encoding/binary"
	"errors"
	"time"
)

var errInvalidPackedJob = errors.New("invalid packed job")

type jobArgs struct {
	data       []byte
	notBefore  time.Time
	deadline   time.Time
	enqueuedAt time.Time
	attempt    uint16
}

// packJob returns the sorted-set score and the packed member bytes.
// The score is the not-before time in unix milliseconds. The member layout is
// attempt(2 bytes):enqueuedAt(8 bytes):deadline(8 bytes):data. enqueuedAt is
// part of the member so two jobs for the same payload never collide in the
// set.
func packJob(j jobArgs) (float64, []byte) {
	score := float64(j.notBefore.UnixMilli())
	value := make([]byte, 18+len(j.data))
	binary.BigEndian.PutUint16(value[0:2], j.attempt)
	binary.BigEndian.PutUint64(value[2:10], uint64(j.enqueuedAt.UnixNano()))
	binary.BigEndian.PutUint64(value[10:18], uint64(j.deadline.UnixNano()))
	copy(value[18:], j.data)
	return score, value
}

// unpackJob unpacks the member bytes produced by packJob.
func unpackJob(score float64, packed []byte) (jobArgs, error) {
	if len(packed) < 18 {
		return jobArgs{}, errInvalidPackedJob
	}
	return jobArgs{
		data:       packed[18:],
		notBefore:  time.UnixMilli(int64(score)),
		deadline:   time.Unix(0, int64(binary.BigEndian.Uint64(packed[10:18]))),
		enqueuedAt: time.Unix(0, int64(binary.BigEndian.Uint64(packed[2:10]))),
		attempt:    binary.BigEndian.Uint16(packed[0:2]),
	}, nil
}
