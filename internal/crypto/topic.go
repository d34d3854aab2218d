package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TopicSize is the length of a rendezvous topic in bytes.
const TopicSize = 32

// topicKey domain-separates walkie topics from any other BLAKE2b use of
// the same inputs.
var topicKey = []byte("walkie:topic:v1")

// Topic is the rendezvous identifier peers use for discovery. It is a
// one-way function of a channel name and its shared secret.
type Topic [TopicSize]byte

// DeriveTopic returns the topic for (name, secret). Name and secret are
// length-prefixed before hashing so that ("ab", "c") and ("a", "bc")
// produce different topics.
func DeriveTopic(name, secret string) Topic {
	h, err := blake2b.New256(topicKey)
	if err != nil {
		// Only possible for keys longer than 64 bytes.
		panic(err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(name)))
	h.Write(lenBuf[:n])
	h.Write([]byte(name))
	n = binary.PutUvarint(lenBuf[:], uint64(len(secret)))
	h.Write(lenBuf[:n])
	h.Write([]byte(secret))
	var t Topic
	copy(t[:], h.Sum(nil))
	return t
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Short returns the first 16 hex characters, for logs.
func (t Topic) Short() string {
	return t.String()[:16]
}

func ParseTopic(s string) (Topic, error) {
	var t Topic
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid topic hex: %w", err)
	}
	if len(b) != TopicSize {
		return t, fmt.Errorf("invalid topic length %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}
