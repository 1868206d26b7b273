package namespace

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

func TestNamespaceCollidingNames(t *testing.T) {
	rs := []rules.Rule{
		{ID: 10, RuleID: "aaa", Name: "A", Owner: "1", Content: `rule A { strings: $a = "x" condition: $a }`},
		{ID: 11, RuleID: "bbb", Name: "A", Owner: "2", Content: "rule A : tag\n{\n  condition: true\n}"},
	}
	combined, err := Namespace(rs)
	require.NoError(t, err)

	parsed, err := yara.Parse(combined.Source)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "_10", parsed[0].Name)
	assert.Equal(t, "_11", parsed[1].Name)
	assert.Equal(t, []string{"tag"}, parsed[1].Tags)

	o, ok := combined.Resolve("_10")
	require.True(t, ok)
	assert.Equal(t, Origin{ID: 10, RuleID: "aaa", Name: "A"}, o)
	_, ok = combined.Resolve("_12")
	assert.False(t, ok)
}

func TestNamespaceInjective(t *testing.T) {
	const n = 25
	rs := make([]rules.Rule, n)
	for i := range rs {
		rs[i] = rules.Rule{
			ID:      uint(100 + i),
			RuleID:  fmt.Sprintf("fp%d", i),
			Content: fmt.Sprintf("rule Same%d { condition: filesize > %d }", i%3, i),
		}
	}
	combined, err := Namespace(rs)
	require.NoError(t, err)
	assert.Len(t, combined.Reverse, n)

	parsed, err := yara.Parse(combined.Source)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, p := range parsed {
		names[p.Name] = true
		_, ok := combined.Resolve(p.Name)
		assert.True(t, ok, p.Name)
	}
	assert.Len(t, names, n)
}

func TestNamespaceModifiersAndImports(t *testing.T) {
	rs := []rules.Rule{
		{ID: 1, Content: "private global rule Helper { condition: pe.is_dll() }", Imports: rules.StringList{"pe"}},
		{ID: 2, Content: "  rule Other { condition: pe.is_32bit() and math.entropy(0, 1) > 1 }", Imports: rules.StringList{"pe", "math"}},
	}
	combined, err := Namespace(rs)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(combined.Source, "import \"math\"\nimport \"pe\"\n\n"))
	assert.Equal(t, 1, strings.Count(combined.Source, `import "pe"`))
	assert.Contains(t, combined.Source, "private global rule _1 {")
	assert.Contains(t, combined.Source, "rule _2 {")
}

func TestNamespaceRewritesReferences(t *testing.T) {
	rs := []rules.Rule{
		{ID: 10, Content: `private rule helper { strings: $h = "helper" condition: $h }`},
		{ID: 11, Content: `rule main {
  meta: note = "calls helper"
  strings: $re = /helper/
  condition: helper and $re and pe.helper // helper
}`},
		{ID: 12, Content: "rule helper { condition: true }"},
		{ID: 13, Content: "rule last { condition: helper or main }"},
	}
	combined, err := Namespace(rs)
	require.NoError(t, err)

	parsed, err := yara.Parse(combined.Source)
	require.NoError(t, err)
	require.Len(t, parsed, 4)
	assert.Equal(t, "_10", parsed[0].Name)
	assert.Equal(t, []string{"_10", "and", "$re", "and", "pe", ".", "helper"}, parsed[1].ConditionTerms)
	assert.Contains(t, parsed[1].Content, `note = "calls helper"`)
	assert.Contains(t, parsed[1].Content, "/helper/")
	assert.Contains(t, parsed[1].Content, "// helper")
	assert.Equal(t, "_12 or _11", parsed[3].Condition)
}

func TestNamespaceErrors(t *testing.T) {
	_, err := Namespace([]rules.Rule{{ID: 1, Content: "not a rule"}})
	assert.Error(t, err)

	dup := rules.Rule{ID: 3, Content: "rule X { condition: true }"}
	_, err = Namespace([]rules.Rule{dup, dup})
	assert.Error(t, err)
}
