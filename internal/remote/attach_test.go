package remote

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeWriter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		detached bool
		help     bool
	}{
		{name: "plain input", input: "sh ip bgp\n", want: "sh ip bgp\n"},
		{name: "detach at start", input: "~.", want: "", detached: true},
		{name: "detach after newline", input: "ls\n~.ignored", want: "ls\n", detached: true},
		{name: "tilde mid line", input: "cd ~/LAB\n", want: "cd ~/LAB\n"},
		{name: "literal tilde", input: "~~x", want: "~x"},
		{name: "tilde then newline", input: "~\n", want: "~\n"},
		{name: "tilde then other", input: "~a", want: "~a"},
		{name: "help", input: "~?", want: "", help: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, help bytes.Buffer
			w := NewEscapeWriter(&out, &help)

			n, err := w.Write([]byte(tt.input))
			assert.NoError(t, err)
			assert.Equal(t, len(tt.input), n)
			assert.Equal(t, tt.want, out.String())

			select {
			case <-w.Detached():
				assert.True(t, tt.detached)
			default:
				assert.False(t, tt.detached)
			}
			assert.Equal(t, tt.help, help.Len() > 0)
		})
	}
}

func TestEscapeWriterAcrossWrites(t *testing.T) {
	var out bytes.Buffer
	w := NewEscapeWriter(&out, &bytes.Buffer{})

	_, _ = w.Write([]byte("en\r"))
	_, _ = w.Write([]byte("~"))
	_, _ = w.Write([]byte("."))

	assert.Equal(t, "en\r", out.String())
	select {
	case <-w.Detached():
	default:
		t.Fatal("expected detach")
	}
}
