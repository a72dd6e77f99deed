package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowValidator struct{ lifecycleLogic }

func (slowValidator) Validate(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingValidator struct{ lifecycleLogic }

func (failingValidator) Validate(context.Context) error { return errors.New("missing model weights") }

func TestDefaultRegistry_HasBuiltins(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"command", "echo", "http_put"}, r.Names())
}

func TestRegistry_UnknownLogic(t *testing.T) {
	r := NewRegistry()

	_, err := r.New("nope", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLogic)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("x", func(map[string]string) (Logic, error) { return Echo{}, nil })

	assert.Panics(t, func() {
		r.Register("x", func(map[string]string) (Logic, error) { return Echo{}, nil })
	})
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(map[string]string) (Logic, error) { return &slowValidator{}, nil })
	r.Register("broken", func(map[string]string) (Logic, error) { return &failingValidator{}, nil })
	r.Register("plain", func(map[string]string) (Logic, error) { return Echo{}, nil })
	r.Register("bad-params", func(map[string]string) (Logic, error) { return nil, errors.New("no") })

	testCases := map[string]struct {
		name    string
		wantErr error
		wantMsg string
	}{
		"timeout":          {name: "slow", wantErr: ErrValidationTimeout},
		"validator error":  {name: "broken", wantMsg: "missing model weights"},
		"no validator":     {name: "plain"},
		"factory rejected": {name: "bad-params", wantMsg: "build task logic 'bad-params'"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			err := r.Validate(ctx, tc.name, nil)

			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.wantMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantMsg)
			default:
				assert.NoError(t, err)
			}
		})
	}
}
