package logging

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	logger.Info().Str("peer_id", "abc").Msg("json_test")
	logger.Debug().Msg("filtered")

	out := buf.String()
	require.Contains(t, out, `"message":"json_test"`)
	require.Contains(t, out, `"peer_id":"abc"`)
	require.Contains(t, out, `"time":`)
	require.NotContains(t, out, "filtered")
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "console")
	require.NoError(t, err)

	logger.Debug().Str("addr", "10.0.0.1:9090").Msg("console_log")

	out := stripANSI(buf.String())
	require.Contains(t, out, "console_log")
	require.Contains(t, out, "addr=10.0.0.1:9090")
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "json")
	require.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"":        zerolog.InfoLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]string{
		"":          FormatConsole,
		"console":   FormatConsole,
		" Console ": FormatConsole,
		"json":      FormatJSON,
		"JSON":      FormatJSON,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseFormat("logfmt")
	require.ErrorContains(t, err, `unknown log format "logfmt"`)
}

func TestNewAcceptsUppercaseFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "INFO", "JSON")
	require.NoError(t, err)

	logger.Info().Msg("upper")
	require.Contains(t, buf.String(), `"message":"upper"`)
}

func stripANSI(input string) string {
	re := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return re.ReplaceAllString(input, "")
}
