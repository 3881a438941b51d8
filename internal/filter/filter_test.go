package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsvc/internal/common"
	"authsvc/internal/model"
)

func group(name string, level int) model.Group {
	return model.Group{ID: name, Name: name, AccessLevel: level}
}

func TestParseACLExpressions(t *testing.T) {
	spec, err := Parse(nil, []string{"gt_5", "lteq_9"}, true, true)
	require.NoError(t, err)
	require.Len(t, spec.ACLs, 2)
	assert.Equal(t, ACLExpr{Op: OpGt, Value: 5}, spec.ACLs[0])
	assert.Equal(t, ACLExpr{Op: OpLtEq, Value: 9}, spec.ACLs[1])
}

func TestParseRejectsUnknownOp(t *testing.T) {
	_, err := Parse(nil, []string{"between_3"}, false, false)
	assert.ErrorIs(t, err, common.ErrInvalidFilter)

	_, err = Parse(nil, []string{"gt_high"}, false, false)
	assert.ErrorIs(t, err, common.ErrInvalidFilter)

	_, err = Parse(nil, []string{"7"}, false, false)
	assert.ErrorIs(t, err, common.ErrInvalidFilter)
}

func TestMatchesACLOnly(t *testing.T) {
	// groups G1:3 and G2:7 with a single gt_5 expression; only G2 passes.
	spec, err := Parse(nil, []string{"gt_5"}, false, true)
	require.NoError(t, err)
	assert.False(t, spec.Matches(group("G1", 3)))
	assert.True(t, spec.Matches(group("G2", 7)))
}

func TestMatchesACLCombination(t *testing.T) {
	all, err := Parse(nil, []string{"gt_2", "lt_8"}, true, true)
	require.NoError(t, err)
	assert.True(t, all.Matches(group("g", 5)))
	assert.False(t, all.Matches(group("g", 9)))

	any, err := Parse(nil, []string{"lt_2", "gt_8"}, false, true)
	require.NoError(t, err)
	assert.True(t, any.Matches(group("g", 9)))
	assert.True(t, any.Matches(group("g", 1)))
	assert.False(t, any.Matches(group("g", 5)))
}

func TestMatchesGroupNamesOnly(t *testing.T) {
	spec, err := Parse([]string{"staff", "admin"}, nil, false, false)
	require.NoError(t, err)
	assert.True(t, spec.Matches(group("staff", 3)))
	assert.False(t, spec.Matches(group("public", 0)))
}

func TestMatchesCombinedCategories(t *testing.T) {
	both, err := Parse([]string{"admin"}, []string{"gteq_7"}, false, true)
	require.NoError(t, err)
	assert.True(t, both.Matches(group("admin", 7)))
	assert.False(t, both.Matches(group("admin", 3)), "name hit but acl miss under AND")
	assert.False(t, both.Matches(group("super", 10)), "acl hit but name miss under AND")

	either, err := Parse([]string{"admin"}, []string{"gteq_7"}, false, false)
	require.NoError(t, err)
	assert.True(t, either.Matches(group("admin", 3)))
	assert.True(t, either.Matches(group("super", 10)))
	assert.False(t, either.Matches(group("public", 0)))
}

func TestEmptySpecMatchesEverything(t *testing.T) {
	spec, err := Parse(nil, nil, false, false)
	require.NoError(t, err)
	assert.True(t, spec.Empty())
	assert.True(t, spec.Matches(group("anything", 4)))
}

func TestOutOfRangeBoundNeverMatches(t *testing.T) {
	spec, err := Parse(nil, []string{"gt_10"}, false, true)
	require.NoError(t, err)
	for level := model.AccessLevelMin; level <= model.AccessLevelMax; level++ {
		assert.False(t, spec.Matches(group("g", level)))
	}
}
