package daemon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name    string
		blob    string
		argv    []string
		wantErr string
	}{
		{
			name: "single terminated arg",
			blob: "cat\x00",
			argv: []string{"cat"},
		},
		{
			name: "single unterminated arg",
			blob: "cat",
			argv: []string{"cat"},
		},
		{
			name: "several args",
			blob: "sh\x00-c\x00echo hi\x00",
			argv: []string{"sh", "-c", "echo hi"},
		},
		{
			name: "interior empty arg is kept",
			blob: "prog\x00\x00b\x00",
			argv: []string{"prog", "", "b"},
		},
		{
			name:    "empty blob",
			blob:    "",
			wantErr: "empty command",
		},
		{
			name:    "no program name",
			blob:    "\x00arg\x00",
			wantErr: "no program name",
		},
		{
			name:    "too many args",
			blob:    "prog\x00" + strings.Repeat("a\x00", 255),
			wantErr: "limit is 255",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			argv, err := parseCommand([]byte(c.blob))
			if c.wantErr != "" {
				require.ErrorContains(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.argv, argv)
		})
	}
}
