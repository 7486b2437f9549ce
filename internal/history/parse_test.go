package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineRoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 34, 56, 0, time.Local)
	tests := []Entry{
		{Name: "CRASH", Key: "0123456789abcdef0123", Time: when, Type: "ANR", Path: "/logs/crashlog0"},
		{Name: "INFO", Key: "k", Time: when, Type: "APIMR", Data: []string{"value=3", "reason"}},
		{Name: "REBOOT", Key: "k2", Time: when, Type: "SWUPDATE", Uptime: "0001:02:03"},
		{Name: "UPTIME", Key: "k3", Time: when, Type: "0012:00:00"},
		{Name: "CRASH", Key: "k4", Time: when, Type: "TOMBSTONE", Path: "/logs/crashlog1", Uptime: "0000:10:00", Data: []string{"x"}},
	}
	for _, want := range tests {
		t.Run(want.Name+"/"+want.Type, func(t *testing.T) {
			got, err := ParseLine(want.Line())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseLineRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"#V1.0 CURRENTUPTIME 0000:00:01",
		"CRASH key",
		"CRASH key yesterday ANR",
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrMalformedLine, line)
	}
}
