package reversal

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// processSecret keys token seals. Tokens never outlive the process that
// issued them.
var processSecret = func() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}()

// Token authorizes exactly one reversal. Its fields are unexported and
// sealed, so only this package can mint one and any change to a copy
// breaks the seal.
type Token struct {
	reportID  string
	txHash    string
	amount    int64
	claims    []Claim
	proofHash string
	issuedAt  time.Time
	seal      common.Hash
}

func (t *Token) ReportID() string    { return t.reportID }
func (t *Token) TxHash() string      { return t.txHash }
func (t *Token) Amount() int64       { return t.amount }
func (t *Token) ProofHash() string   { return t.proofHash }
func (t *Token) IssuedAt() time.Time { return t.issuedAt }

// Claims returns a copy of the outputs the token reserves.
func (t *Token) Claims() []Claim {
	return append([]Claim(nil), t.claims...)
}

func issueToken(reportID, txHash string, amount int64, claims []Claim, proofHash string, now time.Time) *Token {
	t := &Token{
		reportID:  reportID,
		txHash:    txHash,
		amount:    amount,
		claims:    append([]Claim(nil), claims...),
		proofHash: proofHash,
		issuedAt:  now,
	}
	t.seal = t.digest()
	return t
}

func (t *Token) digest() common.Hash {
	var num [8]byte
	var claims strings.Builder
	for _, c := range t.claims {
		claims.WriteString(c.Outpoint.String())
		claims.WriteByte('=')
		binary.BigEndian.PutUint64(num[:], uint64(c.Amount))
		claims.Write(num[:])
		claims.WriteByte(';')
	}
	amount := make([]byte, 8)
	binary.BigEndian.PutUint64(amount, uint64(t.amount))
	issued := make([]byte, 8)
	binary.BigEndian.PutUint64(issued, uint64(t.issuedAt.UnixNano()))

	return crypto.Keccak256Hash(
		processSecret,
		[]byte(t.reportID), []byte{0},
		[]byte(t.txHash), []byte{0},
		amount,
		[]byte(claims.String()), []byte{0},
		[]byte(t.proofHash), []byte{0},
		issued,
	)
}

// valid reports whether t was sealed by this process and is unmodified.
func (t *Token) valid() bool {
	return t != nil && t.seal != (common.Hash{}) && t.seal == t.digest()
}

func (t *Token) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.issuedAt) > ttl
}
