package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by CompareAndSwap when the stored value does not
// match the expected one.
var ErrConflict = errors.New("compare-and-swap conflict")

// KV is one scanned key/value pair.
type KV struct {
	Key   string
	Value []byte
}

// Store is the durable key/value area behind every component: submissions,
// stage and task records, cache entries, leases and queue items. Writes are
// atomic per key and survive a process restart.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// CompareAndSwap atomically replaces the value at key. A nil old means
	// create-if-absent. Returns ErrConflict on mismatch.
	CompareAndSwap(key string, old, new []byte) error

	// Scan returns all pairs whose key starts with prefix, ordered by key.
	Scan(prefix string) ([]KV, error)

	// NextID returns the next value of a named monotonic counter, starting
	// at 1.
	NextID(counter string) (int64, error)

	Close() error
}

// Key namespaces. All persisted state lives under one of these prefixes.
const (
	SubmissionPrefix = "sub/"
	StagePrefix      = "stage/"
	TaskPrefix       = "task/"
	CachePrefix      = "cache/"
	LeasePrefix      = "lease/"
	QueuePrefix      = "queue/"
	DeadLetterPrefix = "queue-dead/"
	CancelPrefix     = "cancel/"

	SubmissionCounter = "submission-id"
)

func SubmissionKey(id int64) string {
	// Zero-padded so lexicographic scan order matches id order.
	return fmt.Sprintf("%s%012d", SubmissionPrefix, id)
}

func StageKey(submissionID int64, ordinal int) string {
	return fmt.Sprintf("%s%012d/%03d", StagePrefix, submissionID, ordinal)
}

func StageScanPrefix(submissionID int64) string {
	return fmt.Sprintf("%s%012d/", StagePrefix, submissionID)
}

func TaskKey(taskID string) string {
	return TaskPrefix + taskID
}

func CacheKey(fingerprint string) string {
	return CachePrefix + fingerprint
}

func LeaseKey(fingerprint string) string {
	return LeasePrefix + fingerprint
}

func QueueKey(routingKey string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", QueuePrefix, routingKey, seq)
}

func QueueScanPrefix(routingKey string) string {
	return fmt.Sprintf("%s%s/", QueuePrefix, routingKey)
}

func DeadLetterKey(routingKey string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", DeadLetterPrefix, routingKey, seq)
}

func CancelKey(taskID string) string {
	return CancelPrefix + taskID
}

// Frame prepends the 4-byte big-endian length prefix all persisted JSON
// documents carry on disk.
func Frame(value []byte) []byte {
	framed := make([]byte, 4+len(value))
	binary.BigEndian.PutUint32(framed, uint32(len(value)))
	copy(framed[4:], value)
	return framed
}

// Unframe strips and verifies the length prefix added by Frame.
func Unframe(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, errors.New("framed value shorter than its length prefix")
	}
	n := binary.BigEndian.Uint32(framed)
	if int(n) != len(framed)-4 {
		return nil, errors.Errorf("framed value length mismatch: prefix %d, payload %d", n, len(framed)-4)
	}
	return framed[4:], nil
}
