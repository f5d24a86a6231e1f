package pinctrl

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeCommand(t *testing.T, name string, args ...string) *[]string {
	var calls []string
	orig := command
	command = func(_ string, a ...string) *exec.Cmd {
		calls = append(calls, strings.Join(a, " "))
		return exec.Command(name, args...)
	}
	t.Cleanup(func() { command = orig })
	return &calls
}

func TestParseGetAllOutput(t *testing.T) {
	sample := `
 0: ip    pu | hi // ID_SDA/GPIO0 = input
 1: ip    pu | hi // ID_SCL/GPIO1 = input
 2: no    pu | -- // GPIO2 = none
 4: ip    pn | lo // GPIO4 = input
 5: op dh pu | hi // GPIO5 = output
 6: op dh pu | hi // GPIO6 = output
12: op dh pd | hi // GPIO12 = output
13: op dh pd | hi // GPIO13 = output
26: op dl pn | lo // GPIO26 = output
`

	states, err := parseGetOutput(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, states, 9)

	assert.Equal(t, PinState{Pin: 5, Mode: "op", Pull: "pu", Drive: "dh", Level: "hi", Comment: "GPIO5 = output"}, states[5])
	assert.Equal(t, "--", states[2].Level)
	assert.Equal(t, "no", states[2].Mode)
	assert.Equal(t, "pn", states[26].Pull)
	assert.Equal(t, "dl", states[26].Drive)
	assert.Equal(t, "lo", states[26].Level)
}

func TestParseGetSinglePinOutput(t *testing.T) {
	states, err := parseGetOutput(strings.NewReader(`25: op dl pd | lo // GPIO25 = output`))
	require.NoError(t, err)

	ps, ok := states[25]
	require.True(t, ok)
	assert.Equal(t, "op", ps.Mode)
	assert.Equal(t, "pd", ps.Pull)
	assert.Equal(t, "dl", ps.Drive)
	assert.Equal(t, "lo", ps.Level)
}

func TestParseLevelOutput(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
		wantErr  bool
	}{
		{"0", false, false},
		{"1", true, false},
		{"\n1\n", true, false},
		{"\n0\n", false, false},
		{"hi", false, true},
	}
	for _, tc := range tests {
		result, err := parseLevelOutput(tc.input)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.input)
			continue
		}
		require.NoError(t, err, "input %q", tc.input)
		assert.Equal(t, tc.expected, result, "input %q", tc.input)
	}
}

func TestDrive(t *testing.T) {
	assert.Equal(t, "dh", Drive(true, true))
	assert.Equal(t, "dl", Drive(true, false))
	assert.Equal(t, "dl", Drive(false, true))
	assert.Equal(t, "dh", Drive(false, false))
}

func TestReadLevelRunsPinctrl(t *testing.T) {
	calls := fakeCommand(t, "echo", "1")

	level, err := ReadLevel(17)
	require.NoError(t, err)
	assert.True(t, level)
	assert.Equal(t, []string{"lev 17"}, *calls)
}

func TestSetPin(t *testing.T) {
	calls := fakeCommand(t, "true")
	require.NoError(t, SetPin(22, "op", "pn", "dl"))
	assert.Equal(t, []string{"set 22 op pn dl"}, *calls)

	fakeCommand(t, "false")
	assert.Error(t, SetPin(22, "op", "pn", "dh"))
}

func TestReadPin(t *testing.T) {
	calls := fakeCommand(t, "echo", "26: op dl pn | lo // GPIO26 = output")

	ps, err := ReadPin(26)
	require.NoError(t, err)
	assert.Equal(t, "op", ps.Mode)
	assert.Equal(t, "lo", ps.Level)
	assert.Equal(t, []string{"get"}, *calls)

	_, err = ReadPin(5)
	assert.Error(t, err)
}
