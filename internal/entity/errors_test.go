package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("boom")

	e := &Error{Kind: KindStaleApply, Op: "receive", EntityID: "c-1", Err: cause}
	assert.Equal(t, "STALE_APPLY: receive c-1: boom", e.Error())
	assert.ErrorIs(t, e, cause)

	g := &Error{Kind: KindBootstrapFailed, Op: "bootstrap", Err: cause}
	assert.Equal(t, "BOOTSTRAP_FAILED: bootstrap: boom", g.Error())
}

func TestIsKind(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &Error{Kind: KindRemoteRejected, Err: errors.New("x")})

	assert.True(t, IsKind(wrapped, KindRemoteRejected))
	assert.False(t, IsKind(wrapped, KindStaleApply))
	assert.False(t, IsKind(errors.New("plain"), KindRemoteRejected))
	assert.False(t, IsKind(nil, KindRemoteRejected))
}

func TestRetention_Apply(t *testing.T) {
	local := func(id int64, acked bool) Operation {
		return Operation{ID: id, Origin: OriginLocal, Acked: acked}
	}
	remote := func(id int64) Operation {
		return Operation{ID: id, Origin: OriginRemote, Acked: true}
	}

	tests := []struct {
		name   string
		policy Retention
		in     []Operation
		want   []int64
	}{
		{"unbounded", Retention{}, []Operation{local(1, true), remote(2)}, []int64{1, 2}},
		{"limit drops oldest", Retention{Limit: 2}, []Operation{remote(1), remote(2), remote(3)}, []int64{2, 3}},
		{"limit keeps pending", Retention{Limit: 1}, []Operation{local(1, false), remote(2), remote(3)}, []int64{1}},
		{"drop acknowledged", Retention{DropAcknowledged: true}, []Operation{local(1, true), remote(2), local(3, false)}, []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.apply(tt.in)
			ids := make([]int64, len(got))
			for i, op := range got {
				ids[i] = op.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestEffect_Merge(t *testing.T) {
	assert.Equal(t, EffectInvalidate, EffectNone.Merge(EffectInvalidate))
	assert.Equal(t, EffectInvalidate, EffectInvalidate.Merge(EffectNone))
	assert.Equal(t, EffectNone, EffectNone.Merge(EffectNone))
}
