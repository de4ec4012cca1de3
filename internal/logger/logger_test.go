package logger

import (
	"bytes"
	"os"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestSetLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")
	t.Cleanup(func() {
		SetLevel("info")
		SetOutput(os.Stdout, "json")
	})

	SetLevel("warn")
	L.Info("hidden")
	L.Warn("shown", "owner", "u1")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"shown"`)
	require.Contains(t, out, `"owner":"u1"`)
}

func TestSetOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "text")
	t.Cleanup(func() { SetOutput(os.Stdout, "json") })

	L.Info("hello", "k", "v")
	require.Contains(t, buf.String(), "msg=hello")
	require.Contains(t, buf.String(), "k=v")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "ab...(truncated)", Truncate("abcdef", 2))

	// "é" is two bytes; cutting at 2 would split it
	got := Truncate("aébc", 2)
	require.Equal(t, "a...(truncated)", got)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, "aé...(truncated)", Truncate("aébc", 3))
	require.True(t, utf8.ValidString(Truncate("日本語のテキスト", 4)))
}
