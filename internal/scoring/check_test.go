package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckStartsAtMax(t *testing.T) {
	c := NewCheck("sanity", "Sanity Test", 20)
	assert.Equal(t, 20, c.RunningScore())
	assert.Equal(t, 20, c.Score())
	assert.Equal(t, StatusPending, c.Status())
	assert.Equal(t, VisibilityVisible, c.Visibility())
	assert.False(t, c.Finalized())
}

func TestNewCheckNegativeMaxIsZero(t *testing.T) {
	c := NewCheck("x", "X", -3)
	assert.Equal(t, 0, c.MaxScore())
	assert.Equal(t, 0, c.Score())
}

func TestScoreClampedRegardlessOfDeductions(t *testing.T) {
	tests := []struct {
		name       string
		max        int
		deductions []int
		want       int
	}{
		{name: "no deductions", max: 40, want: 40},
		{name: "partial", max: 40, deductions: []int{-5}, want: 35},
		{name: "exact", max: 20, deductions: []int{-20}, want: 0},
		{name: "over deduction", max: 40, deductions: []int{-40, -40}, want: 0},
		{name: "zero max", max: 0, deductions: []int{-1}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCheck("k", "K", tt.max)
			for _, d := range tt.deductions {
				require.NoError(t, c.Deduct(d, "reason"))
			}
			assert.Equal(t, tt.want, c.Score())
			assert.GreaterOrEqual(t, c.Score(), 0)
			assert.LessOrEqual(t, c.Score(), c.MaxScore())
		})
	}
}

func TestRunningScoreMayGoNegative(t *testing.T) {
	c := NewCheck("rogue", "Rogue", 40)
	require.NoError(t, c.Deduct(-40, "a"))
	require.NoError(t, c.Deduct(-40, "b"))
	assert.Equal(t, -40, c.RunningScore())
	assert.Equal(t, 0, c.Score())
}

func TestFloorBoundsDeductions(t *testing.T) {
	c := NewCheck("rogue", "Rogue", 40).WithFloor(0)
	require.NoError(t, c.Deduct(-30, "a"))
	require.NoError(t, c.Deduct(-30, "b"))
	assert.Equal(t, 0, c.RunningScore())
}

func TestDeductRejectsPositiveAmount(t *testing.T) {
	c := NewCheck("k", "K", 10)
	err := c.Deduct(5, "bonus")
	assert.ErrorIs(t, err, ErrPositiveDeduction)
	assert.Equal(t, 10, c.RunningScore())
	assert.Empty(t, c.Feedback())
}

func TestDeductRecordsReasonsInOrder(t *testing.T) {
	c := NewCheck("k", "K", 10)
	require.NoError(t, c.AddFeedback("Output: hello"))
	require.NoError(t, c.Deduct(-5, "first"))
	require.NoError(t, c.Deduct(0, ""))
	require.NoError(t, c.Deduct(-1, "second"))
	assert.Equal(t, []string{"Output: hello", "first", "second"}, c.Feedback())
	assert.Equal(t, "Output: hello\nfirst\nsecond\n", c.Output())
}

func TestFinalizeExactlyOnce(t *testing.T) {
	c := NewCheck("k", "K", 10)
	require.NoError(t, c.Finalize(true))
	assert.Equal(t, StatusPassed, c.Status())

	assert.ErrorIs(t, c.Finalize(false), ErrFinalized)
	assert.Equal(t, StatusPassed, c.Status())
}

func TestFinalizedCheckIsImmutable(t *testing.T) {
	c := NewCheck("k", "K", 10)
	require.NoError(t, c.Finalize(false))

	assert.ErrorIs(t, c.Deduct(-5, "late"), ErrFinalized)
	assert.ErrorIs(t, c.AddFeedback("late"), ErrFinalized)
	assert.Equal(t, 10, c.RunningScore())
	assert.Empty(t, c.Feedback())
}

func TestFeedbackReturnsCopy(t *testing.T) {
	c := NewCheck("k", "K", 10)
	require.NoError(t, c.AddFeedback("line"))
	lines := c.Feedback()
	lines[0] = "mutated"
	assert.Equal(t, []string{"line"}, c.Feedback())
}
