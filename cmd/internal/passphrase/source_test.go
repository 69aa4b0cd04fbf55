package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, tty bool, input string, readErr error) (*Source, *bytes.Buffer, *int) {
	var prompt bytes.Buffer
	reads := 0
	s := NewSource("TEST_PASS", "owner keystore")
	s.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.terminal = func() bool { return tty }
	s.read = func() ([]byte, error) {
		reads++
		return []byte(input), readErr
	}
	s.prompt = &prompt
	return s, &prompt, &reads
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, prompt, reads := testSource(map[string]string{"TEST_PASS": "from-env"}, true, "typed", nil)

	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
	require.Zero(t, *reads)
	require.Empty(t, prompt.String())
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	s, _, _ := testSource(map[string]string{"TEST_PASS": "  "}, true, "typed", nil)

	_, err := s.Get()
	require.ErrorContains(t, err, "TEST_PASS is set but empty")
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s, prompt, reads := testSource(nil, true, "typed", nil)

	first, err := s.Get()
	require.NoError(t, err)
	second, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", first)
	require.Equal(t, first, second)
	require.Equal(t, 1, *reads)
	require.Contains(t, prompt.String(), "Enter owner keystore passphrase")
}

func TestSourceFailures(t *testing.T) {
	s, _, _ := testSource(nil, false, "", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "set TEST_PASS or run interactively")

	s, _, _ = testSource(nil, true, "   ", nil)
	_, err = s.Get()
	require.ErrorContains(t, err, "cannot be empty")

	s, _, _ = testSource(nil, true, "", errors.New("eof"))
	_, err = s.Get()
	require.ErrorContains(t, err, "failed to read passphrase")
}
