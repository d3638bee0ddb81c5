package control

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllResponses(t *testing.T, s *Session) []Response {
	t.Helper()
	var out []Response
	buf := make([]byte, 4096)
	for {
		n, _ := s.Read(buf)
		if n == 0 {
			break
		}
		for _, line := range strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n") {
			if line == "" {
				continue
			}
			var resp Response
			require.NoError(t, json.Unmarshal([]byte(line), &resp))
			out = append(out, resp)
		}
	}
	return out
}

func TestDispatchMalformedJSON(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	resps := ep.dispatch(nil, "{not json")
	require.Len(t, resps, 1)
	assert.Equal(t, StatusMalformed, resps[0].Status)
	assert.True(t, resps[0].Final)
}

func TestDispatchUnknownCommand(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	resps := ep.dispatch(nil, `{"command":"frobnicate"}`)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusUnknown, resps[0].Status)
}

func TestDispatchShutdownInvokesCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	ep := NewEndpoint(nil, nil, nil, func() { called <- struct{}{} })
	resps := ep.dispatch(nil, `{"command":"shutdown"}`)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusOK, resps[0].Status)
	assert.True(t, resps[0].Final)
	<-called
}

func TestDispatchConfigVDFRequiresPath(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	resps := ep.dispatch(nil, `{"command":"config_vdf"}`)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusError, resps[0].Status)
}

func TestDispatchConfigVDFWithNilCacheStillAcks(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	resps := ep.dispatch(nil, `{"command":"config_vdf","path":"a.fasta+","options":{"expand_procs":["samtools"]}}`)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusOK, resps[0].Status)
	assert.Contains(t, resps[0].Message, "a.fasta+")
	assert.Contains(t, resps[0].Message, "samtools")
}

func TestDispatchReplicateRequiresStore(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	resps := ep.dispatch(nil, `{"command":"replicate","action":"list_cmds","path":"out.fasta"}`)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusError, resps[0].Status)
	assert.Contains(t, resps[0].Message, "provenance store")
}

func TestSessionWriteReadRoundTrip(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	s := ep.Open()
	defer s.Close()

	_, err := s.Write([]byte("{\"command\":\"frobnicate\"}\n"))
	require.NoError(t, err)

	resps := readAllResponses(t, s)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusUnknown, resps[0].Status)
}

func TestSessionWritePartialLineDoesNotDispatch(t *testing.T) {
	ep := NewEndpoint(nil, nil, nil, nil)
	s := ep.Open()
	defer s.Close()

	_, err := s.Write([]byte(`{"command":"shutdown"`))
	require.NoError(t, err)
	resps := readAllResponses(t, s)
	assert.Empty(t, resps)

	_, err = s.Write([]byte("}\n"))
	require.NoError(t, err)
	resps = readAllResponses(t, s)
	require.Len(t, resps, 1)
	assert.Equal(t, StatusOK, resps[0].Status)
}

func TestParseInlinePath(t *testing.T) {
	real, cmd, ok := ParseInlinePath("a.fasta++internal=provenance.json")
	require.True(t, ok)
	assert.Equal(t, "a.fasta", real)
	assert.Equal(t, "internal=provenance.json", cmd)

	_, _, ok = ParseInlinePath("a.fasta")
	assert.False(t, ok)
}
