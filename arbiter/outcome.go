package arbiter

import (
	"net/netip"
	"time"

	"dnssplit/namelist"
)

// Verdict is how a query ended.
type Verdict uint8

const (
	// VerdictUntrusted: an untrusted reply was sent.
	VerdictUntrusted Verdict = iota
	// VerdictTrusted: a trusted reply was sent on arrival.
	VerdictTrusted
	// VerdictTrustedDelayed: a buffered trusted reply was sent after the untrusted reply was filtered.
	VerdictTrustedDelayed
	VerdictTimeout
	VerdictRefused
	VerdictShutdown
)

var verdictNames = [...]string{
	VerdictUntrusted:      "untrusted",
	VerdictTrusted:        "trusted",
	VerdictTrustedDelayed: "trusted-delayed",
	VerdictTimeout:        "timeout",
	VerdictRefused:        "refused",
	VerdictShutdown:       "shutdown",
}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

// Outcome describes one finished query.
type Outcome struct {
	Name    string
	QType   uint16
	Client  netip.AddrPort
	Match   namelist.Match
	Verdict Verdict
	Latency time.Duration
}

// Sink receives outcomes. Record is called on the engine goroutine and must not block.
type Sink interface {
	Record(o Outcome)
}
