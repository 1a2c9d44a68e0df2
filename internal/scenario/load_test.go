package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"bgp-hijacking", "bgp-hijacking-basic"}, Names())
}

func TestBuiltinScenariosAreValid(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			sc, err := Builtin(name)
			require.NoError(t, err)
			assert.Equal(t, name, sc.Name)
			assert.Equal(t, "BGPHijacking", sc.LabDir)
			assert.NotEmpty(t, sc.Checks)
			assert.Equal(t, KindPreflight, sc.Steps[0].Kind)
			assert.Equal(t, KindStop, sc.Steps[len(sc.Steps)-1].Kind)
		})
	}
}

func TestBuiltinFullScenarioWeights(t *testing.T) {
	sc, err := Builtin("bgp-hijacking")
	require.NoError(t, err)

	weights := map[string]int{}
	for _, c := range sc.Checks {
		weights[c.Key] = c.MaxScore
	}
	assert.Equal(t, map[string]int{
		"report":                5,
		"sanity":                20,
		"topology":              20,
		"default_website":       40,
		"rouge_website":         40,
		"default_website_after": 5,
		"rouge_hard":            20,
	}, weights)

	start := sc.Steps[2]
	assert.Equal(t, KindStart, start.Kind)
	assert.Equal(t, 30*time.Second, start.Settle.D())
	assert.Equal(t, 5*time.Second, start.Interval.D())
	assert.Equal(t, 5, start.Attempts)
	assert.Equal(t, "*** Starting CLI:", start.Marker)

	assert.False(t, sc.Steps[0].Aborts())
	assert.True(t, sc.Steps[1].Aborts())
}

func TestBuiltinBasicQueryStep(t *testing.T) {
	sc, err := Builtin("bgp-hijacking-basic")
	require.NoError(t, err)

	want := Step{
		Kind:    KindQuery,
		Name:    "bgp table",
		Check:   "bgp_table",
		Choices: []string{"R1", "R2", "R3", "R4", "R5", "R6"},
		Sends: []Send{
			{Line: "cd {lab} && bash ./connect.sh {target}", Settle: Duration(5 * time.Second)},
			{Line: "en", Settle: Duration(3 * time.Second)},
			{Line: "sh ip bgp", Settle: Duration(3 * time.Second)},
		},
		Expect: &Target{
			Expect: ExpectContains,
			Marker: "BGP table version",
			Deduct: -10,
			Reason: "No BGP table on {target}, -10 Points",
		},
	}
	if diff := cmp.Diff(want, sc.Steps[2]); diff != "" {
		t.Errorf("query step mismatch (-want +got):\n%s", diff)
	}
}

func TestBuiltinUnknown(t *testing.T) {
	_, err := Builtin("ospf")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
name: x
lab_dir: lab
stepz: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stepz")
}

func TestParseDuration(t *testing.T) {
	sc, err := Parse([]byte(`
name: x
lab_dir: lab
steps:
  - kind: exec
    command: "true"
    settle: 1m30s
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, sc.Steps[0].Settle.D())

	_, err = Parse([]byte(`
name: x
lab_dir: lab
steps:
  - kind: exec
    command: "true"
    settle: soon
`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "lab_dir: lab\nsteps: [{kind: exec, command: x}]",
			want: "name is required",
		},
		{
			name: "missing lab dir",
			yaml: "name: x\nsteps: [{kind: exec, command: x}]",
			want: "lab_dir is required",
		},
		{
			name: "no steps",
			yaml: "name: x\nlab_dir: lab",
			want: "steps list is required",
		},
		{
			name: "duplicate check",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 1}, {key: a, name: B, max_score: 1}]\nsteps: [{kind: exec, command: x}]",
			want: "duplicate key",
		},
		{
			name: "unknown check",
			yaml: "name: x\nlab_dir: lab\nsteps: [{kind: preflight, check: nope}]",
			want: "unknown check",
		},
		{
			name: "unknown kind",
			yaml: "name: x\nlab_dir: lab\nsteps: [{kind: reboot}]",
			want: "unknown step kind",
		},
		{
			name: "stop before start",
			yaml: "name: x\nlab_dir: lab\nsteps: [{kind: stop, command: exit}]",
			want: "stop without a preceding start",
		},
		{
			name: "positive deduction",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 1}]\nsteps: [{kind: probe, check: a, command: x, targets: [{host: h, expect: contains, marker: m, deduct: 5}]}]",
			want: "must not be positive",
		},
		{
			name: "unknown expectation",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 1}]\nsteps: [{kind: probe, check: a, command: x, targets: [{host: h, expect: equals, marker: m}]}]",
			want: "unknown expectation",
		},
		{
			name: "unknown policy",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 1}]\nsteps: [{kind: probe, check: a, command: x, on_failure: retry, targets: [{host: h, expect: contains, marker: m}]}]",
			want: "unknown on_failure",
		},
		{
			name: "bad visibility",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 1, visibility: secret}]\nsteps: [{kind: exec, command: x}]",
			want: "unknown visibility",
		},
		{
			name: "floor above max",
			yaml: "name: x\nlab_dir: lab\nchecks: [{key: a, name: A, max_score: 5, floor: 10}]\nsteps: [{kind: exec, command: x}]",
			want: "floor 10 exceeds max_score 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: custom\nlab_dir: lab\nsteps: [{kind: exec, command: 'true'}]\n"), 0o644))

	sc, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "custom", sc.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	got := Expand("cd {lab} && bash ./website.sh {target} # {token}", "/sub/lab", "h5-1", "abc")
	assert.Equal(t, "cd /sub/lab && bash ./website.sh h5-1 # abc", got)
}
