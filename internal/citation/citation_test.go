package citation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "L1:ram", want: Ref{LaptopID: "L1", Field: "ram"}},
		{in: " L1 : ram ", want: Ref{LaptopID: "L1", Field: "ram"}},
		{in: "L1:gpu:model", want: Ref{LaptopID: "L1", Field: "gpu:model"}},
		{in: "L1", wantErr: true},
		{in: ":ram", wantErr: true},
		{in: "L1: ", wantErr: true},
		{in: "L[1:ram", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract(t *testing.T) {
	text := "Tiene 16GB [L1:ram]. Procesador Intel [L1:cpu] [ L2 : cpu ]. Nada [sin cita] []."
	got := Extract(text)
	assert.Equal(t, []Ref{
		{LaptopID: "L1", Field: "ram"},
		{LaptopID: "L1", Field: "cpu"},
		{LaptopID: "L2", Field: "cpu"},
	}, got)
	assert.Nil(t, Extract("no citations here"))
}

func TestStructuralEquality(t *testing.T) {
	a, err := Parse("L1:ram")
	require.NoError(t, err)
	b := Extract("x [ L1 :ram ]")[0]
	set := NewSet(a)
	assert.True(t, set.Has(b))
}

func TestRendering(t *testing.T) {
	refs := []Ref{{LaptopID: "L1", Field: "ram"}, {LaptopID: "L2", Field: "cpu"}}
	assert.Equal(t, "[L1:ram] [L2:cpu]", JoinBracketed(refs))
	assert.Equal(t, "Tiene 16GB  .", Strip("Tiene 16GB [L1:ram]."))
	assert.True(t, HasBracket("a [b"))
}

func TestCheckComponent(t *testing.T) {
	for _, ok := range []string{"L1", "ram", "Unnamed 0", "peso (kg)"} {
		assert.NoError(t, CheckComponent(ok), ok)
	}
	for _, bad := range []string{"", "  ", "HP:15", "ram[1]", "x]"} {
		assert.ErrorIs(t, CheckComponent(bad), ErrMalformed, bad)
	}
}

func TestCheckedComponentsRoundTrip(t *testing.T) {
	ref := Ref{LaptopID: "HP-15", Field: "ram"}
	require.NoError(t, CheckComponent(ref.LaptopID))
	require.NoError(t, CheckComponent(ref.Field))
	got, err := Parse(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.Equal(t, []Ref{ref}, Extract("Tiene 16GB "+ref.Bracketed()+"."))
}
