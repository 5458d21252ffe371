package controller

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"slurm-rpc/message"
	"slurm-rpc/pack"
)

// KeySize is the credential signing key length.
const KeySize = 32

var ErrBadSignature = errors.New("controller: credential signature mismatch")

// Signer signs step credentials with a keyed BLAKE3 hash over their packed
// fields. Nodes holding the same key verify them.
type Signer struct {
	key [KeySize]byte
}

// NewSigner uses key, or a random key when key is nil.
func NewSigner(key []byte) (*Signer, error) {
	s := &Signer{}
	if key == nil {
		if _, err := rand.Read(s.key[:]); err != nil {
			return nil, err
		}
		return s, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("controller: credential key must be %d bytes, got %d", KeySize, len(key))
	}
	copy(s.key[:], key)
	return s, nil
}

func (s *Signer) digest(c *message.JobCredential) []byte {
	b := pack.New(64)
	b.PutU32(c.JobID)
	b.PutU16(c.StepID)
	b.PutU32(c.UserID)
	b.PutString(c.NodeList)
	b.PutTime(c.Expiration)

	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("controller: keyed hash: " + err.Error())
	}
	h.Write(b.Bytes())
	return h.Sum(nil)
}

// Sign sets c.Signature.
func (s *Signer) Sign(c *message.JobCredential) {
	c.Signature = s.digest(c)
}

// Verify checks c.Signature and the expiration against now.
func (s *Signer) Verify(c *message.JobCredential, now time.Time) error {
	if subtle.ConstantTimeCompare(s.digest(c), c.Signature) != 1 {
		return ErrBadSignature
	}
	if !c.Expiration.IsZero() && now.After(c.Expiration) {
		return fmt.Errorf("controller: credential for job %d.%d expired at %s", c.JobID, c.StepID, c.Expiration)
	}
	return nil
}
