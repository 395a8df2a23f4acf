package subcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/raven-relay/internal/config"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *config.Config) error { return nil }
	mods := []Mod{{Name: "relay", Usage: "run", Main: noop}, {Name: "pvoutput", Main: noop}}
	cases := []struct {
		input     string
		expect    string
		expectErr string
	}{
		{"relay", "relay", ""},
		{"pvoutput", "pvoutput", ""},
		{"", "", "empty command"},
		{"vmc", "", "unknown command='vmc'"},
	}
	for _, c := range cases {
		m, err := Parse(c.input, mods)
		if c.expectErr != "" {
			require.Error(t, err)
			assert.Equal(t, c.expectErr, err.Error())
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.expect, m.Name)
	}
	assert.Contains(t, Usage(mods), "  relay      run\n")
}
