package feishu

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MEKXH/permit/internal/config"
)

// ErrUnauthorized is returned by a Verifier that rejects a callback.
var ErrUnauthorized = errors.New("callback verification failed")

// HeaderTimestamp is set by the Open Platform on signed deliveries.
const HeaderTimestamp = "X-Lark-Request-Timestamp"

// DefaultMaxSkew bounds how old a signed delivery may be.
const DefaultMaxSkew = 5 * time.Minute

// Inbound is what a Verifier sees of one callback delivery.
type Inbound struct {
	Header http.Header
	// Body is the raw request body, before decryption.
	Body []byte
}

// Verifier adds checks in front of the SDK dispatcher, which already
// enforces the verification token and, with an encrypt key, the signature.
type Verifier interface {
	Verify(in Inbound) error
}

// FreshnessVerifier rejects replayed deliveries whose timestamp is outside
// MaxSkew. Deliveries without a timestamp (the unsigned handshake) pass.
type FreshnessVerifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v FreshnessVerifier) Verify(in Inbound) error {
	timestamp := in.Header.Get(HeaderTimestamp)
	if timestamp == "" || v.MaxSkew <= 0 {
		return nil
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if d := now().Sub(time.Unix(secs, 0)); d > v.MaxSkew || d < -v.MaxSkew {
		return ErrUnauthorized
	}
	return nil
}

// Chain runs verifiers in order and stops at the first failure.
type Chain []Verifier

func (c Chain) Verify(in Inbound) error {
	for _, v := range c {
		if v == nil {
			continue
		}
		if err := v.Verify(in); err != nil {
			return err
		}
	}
	return nil
}

// VerifierFromConfig returns the extra checks the config asks for. Signed
// deliveries only exist with an encrypt key, so freshness needs one too.
func VerifierFromConfig(cfg *config.FeishuConfig) Verifier {
	if cfg == nil || cfg.EncryptKey == "" {
		return nil
	}
	return Chain{FreshnessVerifier{MaxSkew: DefaultMaxSkew}}
}
