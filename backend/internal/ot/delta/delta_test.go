package delta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := Delta{
		{Kind: KindRetain, Count: 2},
		{Kind: KindInsert, Text: "hi", Attrs: Attributes{"bold": true}},
		{Kind: KindDelete, Count: 1},
	}
	require.NoError(t, Validate(ok))
	require.NoError(t, Validate(nil))

	bad := map[string]Delta{
		"negative retain": {{Kind: KindRetain, Count: -3}, {Kind: KindRetain, Count: 8}},
		"zero delete":     {{Kind: KindDelete}},
		"empty insert":    {{Kind: KindInsert}},
		"unknown kind":    {{Kind: "replace", Count: 1}},
		"missing kind":    {{Count: 1}},
		"insert count":    {{Kind: KindInsert, Text: "a", Count: 4}},
		"retain text":     {{Kind: KindRetain, Count: 1, Text: "a"}},
		"delete attrs":    {{Kind: KindDelete, Count: 1, Attrs: Attributes{"bold": true}}},
		"bad attr value":  {{Kind: KindInsert, Text: "a", Attrs: Attributes{"fn": func() {}}}},
	}
	for name, d := range bad {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, Validate(d), ErrMalformed)
		})
	}
}

func TestBuilder_CanonicalAttributes(t *testing.T) {
	var a, b Builder
	x := a.Insert("a", Attributes{"size": 12}).Insert("b", Attributes{"size": float32(12)}).Build()
	y := b.Insert("ab", Attributes{"size": 12.0}).Build()
	// 数值类型统一之后相邻 insert 能合并
	require.True(t, x.Equal(y), "x %s y %s", x, y)
}
