package slurm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

func (c call) String() string {
	return c.name + " " + strings.Join(c.args, " ")
}

// fakeRunner answers by command line prefix and records every call.
type fakeRunner struct {
	replies map[string]string
	errs    map[string]error
	calls   []call
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	c := call{name: name, args: args}
	f.calls = append(f.calls, c)
	line := c.String()
	for prefix, err := range f.errs {
		if strings.HasPrefix(line, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.replies {
		if strings.HasPrefix(line, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func TestOutstanding(t *testing.T) {
	f := &fakeRunner{replies: map[string]string{"squeue": "101\n102\n\n103\n"}}
	c := NewClient(f.run, nil)

	n, err := c.Outstanding(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "squeue -h -u jdoe -o %i", f.calls[0].String())
}

func TestOutstandingEmptyQueue(t *testing.T) {
	f := &fakeRunner{}
	n, err := NewClient(f.run, nil).Outstanding(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{"standard", "Submitted batch job 2723147\n", "2723147", false},
		{"cluster suffix", "Submitted batch job 88 on cluster amarel\n", "88", false},
		{"empty", "", "", true},
		{"garbage", "sbatch: error", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRunner{replies: map[string]string{"sbatch": tt.out}}
			id, err := NewClient(f.run, nil).Submit(context.Background(), "complex_0.sh")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparsableSubmit)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
			assert.Equal(t, "sbatch complex_0.sh", f.calls[0].String())
		})
	}
}

func TestSubmitCommandError(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeRunner{errs: map[string]error{"sbatch": boom}}
	_, err := NewClient(f.run, nil).Submit(context.Background(), "x.sh")
	assert.ErrorIs(t, err, boom)
}

func TestRecoverHeld(t *testing.T) {
	f := &fakeRunner{replies: map[string]string{
		"squeue": "11|(launch failed requeued held)\n12|(Resources)\n13|launch_failed_requeued_held\n",
	}}
	c := NewClient(f.run, nil)

	n, err := c.RecoverHeld(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, f.calls, 2)
	assert.Equal(t, "squeue -h -u jdoe -t PD -o %i|%r", f.calls[0].String())
	assert.Equal(t, "scontrol release 11,13", f.calls[1].String())
}

func TestRecoverHeldNothingHeld(t *testing.T) {
	f := &fakeRunner{replies: map[string]string{"squeue": "12|(Priority)\n"}}
	n, err := NewClient(f.run, nil).RecoverHeld(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.calls, 1, "scontrol must not run when nothing is held")
}

func TestState(t *testing.T) {
	t.Run("in queue", func(t *testing.T) {
		f := &fakeRunner{replies: map[string]string{"squeue": "RUNNING\n"}}
		state, err := NewClient(f.run, nil).State(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, "RUNNING", state)
		assert.Len(t, f.calls, 1)
	})

	t.Run("falls back to sacct", func(t *testing.T) {
		f := &fakeRunner{replies: map[string]string{"sacct": " COMPLETED \n"}}
		state, err := NewClient(f.run, nil).State(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, "COMPLETED", state)
		assert.Equal(t, "sacct -n -X -j 42 -o State", f.calls[1].String())
	})

	t.Run("cancelled by user", func(t *testing.T) {
		f := &fakeRunner{
			errs:    map[string]error{"squeue": fmt.Errorf("invalid job id")},
			replies: map[string]string{"sacct": "CANCELLED+\n"},
		}
		state, err := NewClient(f.run, nil).State(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, "CANCELLED", state)
	})

	t.Run("no accounting", func(t *testing.T) {
		f := &fakeRunner{errs: map[string]error{"sacct": exec.ErrNotFound}}
		state, err := NewClient(f.run, nil).State(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, "UNKNOWN", state)
	})

	t.Run("empty id", func(t *testing.T) {
		f := &fakeRunner{}
		state, err := NewClient(f.run, nil).State(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, "UNKNOWN", state)
		assert.Empty(t, f.calls)
	})
}

func TestCancel(t *testing.T) {
	f := &fakeRunner{}
	c := NewClient(f.run, nil)

	require.NoError(t, c.Cancel(context.Background()))
	assert.Empty(t, f.calls)

	require.NoError(t, c.Cancel(context.Background(), "1", "2"))
	assert.Equal(t, "scancel 1 2", f.calls[0].String())
}

func TestIsMissingBinary(t *testing.T) {
	assert.True(t, IsMissingBinary(fmt.Errorf("squeue: %w", exec.ErrNotFound)))
	assert.False(t, IsMissingBinary(errors.New("exit status 1")))
}
