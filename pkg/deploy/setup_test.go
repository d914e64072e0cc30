package deploy

import (
	"strings"
	"testing"

	"github.com/openfroyo/froyobox/pkg/providers"
)

func TestRenderEnvFile(t *testing.T) {
	got := string(RenderEnvFile(map[string]string{
		"B":     "two words",
		"A":     "1",
		"QUOTE": "it's",
		"EMPTY": "",
	}))
	want := "A=1\nB='two words'\nEMPTY=''\nQUOTE='it'\"'\"'s'\n"
	if got != want {
		t.Errorf("RenderEnvFile() =\n%s\nwant\n%s", got, want)
	}
}

func TestOutputTail(t *testing.T) {
	tests := []struct {
		name string
		res  providers.ExecResult
		want string
	}{
		{name: "stderr wins", res: providers.ExecResult{Stdout: "out", Stderr: "err\n"}, want: ": err"},
		{name: "stdout fallback", res: providers.ExecResult{Stdout: " out "}, want: ": out"},
		{name: "nothing", res: providers.ExecResult{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputTail(&tt.res); got != tt.want {
				t.Errorf("outputTail() = %q, want %q", got, tt.want)
			}
		})
	}

	long := providers.ExecResult{Stderr: strings.Repeat("x", 2*maxOutputInMessage)}
	got := outputTail(&long)
	if !strings.HasPrefix(got, ": ...") || len(got) != len(": ...")+maxOutputInMessage {
		t.Errorf("long output tail has length %d", len(got))
	}
}
