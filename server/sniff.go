// Package server owns the unified TCP listener: it sniffs the first bytes
// of every connection, unwraps gzip at most once, and hands the stream to
// the HTTP server or the plaintext trace pipeline.
package server

// Verdict is the outcome of one protocol sniff.
type Verdict int

const (
	// NeedMoreData means too few bytes are buffered to decide.
	NeedMoreData Verdict = iota
	// Gzip means the stream is gzip-compressed and must be unwrapped and
	// re-sniffed.
	Gzip
	// HTTP means the stream starts with an HTTP request line.
	HTTP
	// Plaintext means the stream carries newline-delimited trace lines.
	Plaintext
	// Reject means the first bytes match no known protocol.
	Reject
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case NeedMoreData:
		return "need_more_data"
	case Gzip:
		return "gzip"
	case HTTP:
		return "http"
	case Plaintext:
		return "plaintext"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// httpMethodPrefixes are the first two bytes of every HTTP method:
// GET, POST, PUT, HEAD, OPTIONS, PATCH, DELETE, TRACE, CONNECT.
var httpMethodPrefixes = [...][2]byte{
	{'G', 'E'}, {'P', 'O'}, {'P', 'U'}, {'H', 'E'}, {'O', 'P'},
	{'P', 'A'}, {'D', 'E'}, {'T', 'R'}, {'C', 'O'},
}

const sniffLen = 5

// Sniff classifies the first buffered bytes of a connection. It consumes
// nothing: the caller peeks the bytes and acts on the verdict. Gzip is only
// reported when detectGzip is set, so a re-sniff after unwrapping cannot
// loop.
func Sniff(buf []byte, detectGzip bool) Verdict {
	if len(buf) < sniffLen {
		return NeedMoreData
	}

	m1, m2 := buf[0], buf[1]

	if detectGzip && m1 == 0x1F && m2 == 0x8B {
		return Gzip
	}
	for _, p := range httpMethodPrefixes {
		if m1 == p[0] && m2 == p[1] {
			return HTTP
		}
	}
	if printableASCII(m1) && printableASCII(m2) {
		return Plaintext
	}
	return Reject
}

func printableASCII(b byte) bool { return b >= 0x20 && b <= 0x7E }
