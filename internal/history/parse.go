package history

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrMalformedLine is returned by ParseLine for text that is not an entry.
var ErrMalformedLine = errors.New("history: malformed line")

var uptimeRe = regexp.MustCompile(`^\d{4,}:\d{2}:\d{2}$`)

// ParseLine reverses Entry.Line. Whitespace inside data fields is not
// preserved; a token starting with '/' right after the type is taken as the
// path and a following HHHH:MM:SS token as the uptime.
func ParseLine(line string) (Entry, error) {
	if strings.HasPrefix(line, "#") {
		return Entry{}, fmt.Errorf("%w: header %q", ErrMalformedLine, line)
	}
	f := strings.Fields(line)
	if len(f) < 4 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	t, err := time.ParseInLocation(TimeLayout, f[2], time.Local)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: date %q", ErrMalformedLine, f[2])
	}

	e := Entry{Name: f[0], Key: f[1], Time: t, Type: f[3]}
	rest := f[4:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "/") {
		e.Path, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 && uptimeRe.MatchString(rest[0]) {
		e.Uptime, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		e.Data = rest
	}
	return e, nil
}
