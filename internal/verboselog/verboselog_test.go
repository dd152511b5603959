package verboselog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenWritesOneJSONLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	logger, f, err := Open(path)
	require.NoError(t, err)

	logger("sahara: hello received, version=%d", 2)
	logger("firehose: configure ack")
	require.NoError(t, f.Close())

	data, err := os.Open(path)
	require.NoError(t, err)
	defer data.Close()

	var lines []line
	scanner := bufio.NewScanner(data)
	for scanner.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "sahara: hello received, version=2", lines[0].Msg)
	require.NotEmpty(t, lines[0].Time)
}
