package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronEvaluatorNextFireTime(t *testing.T) {
	t.Parallel()
	ev := NewCronEvaluator(time.UTC)
	after := time.Date(2026, 3, 10, 12, 7, 30, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)},
		{"15 * * * * *", time.Date(2026, 3, 10, 12, 8, 15, 0, time.UTC)},
		{"@daily", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"@every 1m", time.Date(2026, 3, 10, 12, 8, 30, 0, time.UTC)},
		{"0 9 * * MON", time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ev.NextFireTime(tt.expr, after)
		require.NoError(t, err, tt.expr)
		assert.True(t, tt.want.Equal(got), "%s: got %s want %s", tt.expr, got, tt.want)
		assert.True(t, got.After(after), tt.expr)
	}
}

func TestCronEvaluatorUsesLocation(t *testing.T) {
	t.Parallel()
	jkt, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	ev := NewCronEvaluator(jkt)
	after := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) // 07:00 in Jakarta

	got, err := ev.NextFireTime("0 8 * * *", after)
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC).Equal(got), "got %s", got)

	// an explicit zone wins over the evaluator's
	got, err = ev.NextFireTime("CRON_TZ=UTC 0 8 * * *", after)
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC).Equal(got), "got %s", got)
}

func TestCronEvaluatorOnce(t *testing.T) {
	t.Parallel()
	ev := NewCronEvaluator(time.UTC)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	expr := Once(at)

	got, err := ev.NextFireTime(expr, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	got, err = ev.NextFireTime(expr, at)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "a one-shot has no time after itself")
}

func TestCronEvaluatorErrors(t *testing.T) {
	t.Parallel()
	ev := NewCronEvaluator(nil)
	assert.Equal(t, time.Local, ev.Location())

	_, err := ev.NextFireTime("", time.Now())
	assert.ErrorIs(t, err, ErrEmptyExpression)
	_, err = ev.NextFireTime("61 * * * *", time.Now())
	assert.ErrorIs(t, err, ErrInvalidExpression)
	assert.ErrorIs(t, ev.Validate("@at yesterday"), ErrInvalidExpression)
	assert.NoError(t, ev.Validate("@weekly"))
}

func TestCronEvaluatorPreview(t *testing.T) {
	t.Parallel()
	ev := NewCronEvaluator(time.UTC)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := ev.Preview("0 */6 * * *", from, 3)
	require.Len(t, got, 3)
	assert.Equal(t, 6, got[0].Hour())
	assert.Equal(t, 12, got[1].Hour())
	assert.Equal(t, 18, got[2].Hour())
	assert.Empty(t, ev.Preview("bogus", from, 3))
}

func TestEvaluatorFunc(t *testing.T) {
	t.Parallel()
	base := time.Unix(100, 0)
	var ev Evaluator = EvaluatorFunc(func(expr string, after time.Time) (time.Time, error) {
		return after.Add(time.Second), nil
	})
	got, err := ev.NextFireTime("anything", base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Second), got)
}
