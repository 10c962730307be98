package remote

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ocapkernel/kernel/internal/kernelerr"
)

// ocapURL is a parsed "ocap:<oid>@<host>(,<hint>)*" capability URL
// (spec §4.7): oid names an object exported by host, hints are opaque
// routing metadata the kernel never interprets.
type ocapURL struct {
	OID   string
	Host  string
	Hints []string
}

func (u ocapURL) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ocap:%s@%s", u.OID, u.Host)
	for _, h := range u.Hints {
		b.WriteByte(',')
		b.WriteString(h)
	}
	return b.String()
}

// parseOcapURL validates spec §6's ocap: URL syntax and produces its
// three distinct rejection messages: a missing scheme is "not an ocap
// URL", a malformed body is "bad ocap URL", and a string url.Parse
// itself can't tokenize is "unparseable URL".
func parseOcapURL(s string) (ocapURL, error) {
	parsed, err := url.Parse(s)
	if err != nil {
		return ocapURL{}, fmt.Errorf("%w: unparseable URL", kernelerr.ErrBadOcapURL)
	}
	if parsed.Scheme != "ocap" {
		return ocapURL{}, fmt.Errorf("%w: not an ocap URL", kernelerr.ErrBadOcapURL)
	}
	body := parsed.Opaque
	if body == "" {
		// url.Parse treats "ocap://host" as hierarchical rather than
		// opaque; fold that shape back to the form we expect.
		body = strings.TrimPrefix(strings.TrimPrefix(s, "ocap:"), "//")
	}
	if body == "" {
		return ocapURL{}, fmt.Errorf("%w: bad ocap URL", kernelerr.ErrBadOcapURL)
	}
	parts := strings.Split(body, ",")
	at := strings.Split(parts[0], "@")
	if len(at) != 2 || at[0] == "" || at[1] == "" {
		return ocapURL{}, fmt.Errorf("%w: bad ocap URL", kernelerr.ErrBadOcapURL)
	}
	return ocapURL{OID: at[0], Host: at[1], Hints: parts[1:]}, nil
}
