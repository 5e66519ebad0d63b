package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

// Signer is the single signing identity of a run: a keypair plus the
// account's sequence counter. Only the orchestrator's anchoring loop uses it.
type Signer struct {
	kp      *keypair.Full
	network Network

	mu         sync.Mutex
	seq        int64
	reservedBy string
	reserved   int64
}

func NewSigner(secret string, n Network) (*Signer, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, fmt.Errorf("signer: parse secret seed: %w", err)
	}
	return &Signer{kp: kp, network: n}, nil
}

func (s *Signer) Address() string { return s.kp.Address() }

func (s *Signer) Network() Network { return s.network }

// SetSequence seeds the counter with the account's current sequence.
func (s *Signer) SetSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq
}

// Reserve returns the sequence number for sourceID. Consecutive calls for the
// same record return the same number, so a retried anchor resubmits the same
// transaction rather than consuming a new sequence.
func (s *Signer) Reserve(sourceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservedBy == sourceID && s.reserved != 0 {
		return s.reserved
	}
	s.seq++
	s.reservedBy, s.reserved = sourceID, s.seq
	return s.reserved
}

// Release gives back the sequence reserved for sourceID when nothing was
// submitted with it. It only rewinds while that reservation is the latest,
// so the counter never moves below a sequence already in use.
func (s *Signer) Release(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservedBy != sourceID || s.reserved == 0 {
		return
	}
	if s.reserved == s.seq {
		s.seq--
	}
	s.reservedBy, s.reserved = "", 0
}

// Sign signs sha256(networkID || payload) and returns it base64 encoded.
func (s *Signer) Sign(payload []byte) (string, error) {
	id := network.ID(s.network.Passphrase())
	h := sha256.New()
	h.Write(id[:])
	h.Write(payload)
	sig, err := s.kp.Sign(h.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
