package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   Labels
	}{
		{
			name:   "flags and pairs",
			labels: []string{"runs-on", "cpu=2", "spot=false", "ssh"},
			want: Labels{
				"runsOn": Bool(true),
				"cpu":    String("2"),
				"spot":   Bool(false),
				"ssh":    Bool(true),
			},
		},
		{
			name:   "list values",
			labels: []string{"runs-on", "family=c7+m7", "ram=16+32"},
			want: Labels{
				"runsOn": Bool(true),
				"family": List("c7", "m7"),
				"ram":    List("16", "32"),
			},
		},
		{
			name:   "hyphenated keys are camel-cased",
			labels: []string{"spot-type=capacity", "run-on-demand"},
			want: Labels{
				"spotType":    String("capacity"),
				"runOnDemand": Bool(true),
			},
		},
		{
			name:   "comma shorthand",
			labels: []string{"runs-on,runner=2cpu-linux-x64,image=ubuntu22-full-x64"},
			want: Labels{
				"runsOn": Bool(true),
				"runner": String("2cpu-linux-x64"),
				"image":  String("ubuntu22-full-x64"),
			},
		},
		{
			name:   "hyphen shorthand with equals",
			labels: []string{"runs-on-family=c7a+c6a-spot=false"},
			want: Labels{
				"runsOn": Bool(true),
				"family": List("c7a", "c6a"),
				"spot":   Bool(false),
			},
		},
		{
			name:   "hyphen shorthand keeps hyphenated values",
			labels: []string{"runs-on-runner-16cpu-linux-arm64-spot-false"},
			want: Labels{
				"runsOn": Bool(true),
				"runner": String("16cpu-linux-arm64"),
				"spot":   Bool(false),
			},
		},
		{
			name:   "value keeps extra equals signs",
			labels: []string{"env=a=b"},
			want:   Labels{"env": String("a=b")},
		},
		{
			name:   "later label wins",
			labels: []string{"cpu=2", "cpu=4"},
			want:   Labels{"cpu": String("4")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.labels, "runs-on"))
		})
	}
}

func TestExtractShorthandRoundTrip(t *testing.T) {
	legacy := Extract([]string{"runs-on-family-c7a-cpu-4"}, "runs-on")
	explicit := Extract([]string{"runs-on", "family=c7a", "cpu=4"}, "runs-on")

	assert.Equal(t, explicit, legacy)
}

func TestExpandLeavesMultipleLabelsAlone(t *testing.T) {
	in := []string{"runs-on-cpu-4", "self-hosted"}
	assert.Equal(t, in, Expand(in, "runs-on"))
	assert.Equal(t, []string{"runs-on"}, Expand([]string{"runs-on"}, "runs-on"))
}

func TestTokenizeKinds(t *testing.T) {
	tokens := Tokenize([]string{"runs-on", "cpu=4", "family=c7a+m7a"}, "runs-on")

	assert.Equal(t, []Token{
		{Kind: KindFlag, Key: "runsOn"},
		{Kind: KindKeyValue, Key: "cpu", Value: "4"},
		{Kind: KindKeyValueList, Key: "family", Values: []string{"c7a", "m7a"}},
	}, tokens)
	assert.Equal(t, "key_value_list", KindKeyValueList.String())
}

func TestValueAccessors(t *testing.T) {
	l := Extract([]string{"family=c7a+m7a", "spot=false", "image=my-image"}, "runs-on")

	assert.Equal(t, "c7a+m7a", l.Text("family"))
	assert.Equal(t, []string{"c7a", "m7a"}, l["family"].Strings())
	assert.Equal(t, []string{"my-image"}, l["image"].Strings())
	assert.Equal(t, "", l.Text("missing"))

	b, ok := l["spot"].AsBool()
	assert.True(t, ok)
	assert.False(t, b)
	assert.Equal(t, false, l["spot"].Any())
	assert.Equal(t, []string{"family", "image", "spot"}, l.Keys())
}
