package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"missing", fmt.Errorf("summarize hits: %w", ErrMissingEvidence), KindMissingEvidence},
		{"publish", fmt.Errorf("send to cm-0: %w", ErrPublishTimeout), KindPublishTimeout},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindPublishTimeout},
		{"config", fmt.Errorf("cycle.interval: %w", ErrInvalidConfiguration), KindInvalidConfiguration},
		{"duplicate", ErrDuplicateAction, KindDuplicateAction},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExpectedAndFatal(t *testing.T) {
	assert.True(t, Expected(ErrMissingEvidence))
	assert.True(t, Expected(ErrPublishTimeout))
	assert.True(t, Expected(ErrDuplicateAction))
	assert.False(t, Expected(errors.New("disk on fire")))
	assert.False(t, Expected(ErrInvalidConfiguration))

	assert.True(t, Fatal(fmt.Errorf("load: %w", ErrInvalidConfiguration)))
	assert.False(t, Fatal(ErrPublishTimeout))
}

func TestClassify_MultiError(t *testing.T) {
	var merr *multierror.Error
	merr = multierror.Append(merr, fmt.Errorf("data-0: %w", ErrPublishTimeout))
	assert.Equal(t, KindPublishTimeout, Classify(merr.ErrorOrNil()))
}
