package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPolicyNextSchedulesDelayFromAttempt(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		Delay:       Fixed(10 * time.Millisecond),
	}

	delay, err := p.Next(1, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, delay)

	delay, err = p.Next(5, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, delay)
}

func TestPolicyNextExhaustsMaxAttempts(t *testing.T) {
	cause := errors.New("boom")
	p := Policy{
		MaxAttempts: 3,
		Delay:       Fixed(time.Millisecond),
	}

	_, err := p.Next(4, cause)
	require.Error(t, err)

	var cannotRetry *CannotRetry
	require.ErrorAs(t, err, &cannotRetry)
	require.Equal(t, 3, cannotRetry.Attempts)
	require.Equal(t, cause, errors.Unwrap(cannotRetry))
}

func TestPolicyNextInterruptPropagatesVerbatim(t *testing.T) {
	cause := errors.New("fatal, do not retry")
	p := Policy{
		MaxAttempts: 10,
		Delay:       Fixed(time.Millisecond),
		Interrupt: func(err error) bool {
			return true
		},
	}

	_, err := p.Next(1, cause)
	require.Equal(t, cause, err)
}

func TestPolicyNextZeroOrNegativeMaxAttemptsIsUnbounded(t *testing.T) {
	p := Policy{
		Delay: Fixed(time.Millisecond),
	}

	_, err := p.Next(1000, errors.New("boom"))
	require.NoError(t, err)
}

func TestExponentialDelayGrowsAndCaps(t *testing.T) {
	e := Exponential{
		Base:   10 * time.Millisecond,
		Cap:    100 * time.Millisecond,
		Factor: 2,
	}

	require.Equal(t, 10*time.Millisecond, e.Calculate(1))
	require.Equal(t, 20*time.Millisecond, e.Calculate(2))
	require.Equal(t, 40*time.Millisecond, e.Calculate(3))
	require.Equal(t, 100*time.Millisecond, e.Calculate(10))
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		Delay:       Fixed(time.Millisecond),
	}

	attempts := 0
	err := Run(p, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunPropagatesCannotRetry(t *testing.T) {
	p := Policy{
		MaxAttempts: 2,
		Delay:       Fixed(time.Millisecond),
	}

	attempts := 0
	err := Run(p, func(attempt int) error {
		attempts++
		return errors.New("always fails")
	})

	var cannotRetry *CannotRetry
	require.ErrorAs(t, err, &cannotRetry)
	require.Equal(t, 2, attempts)
}
