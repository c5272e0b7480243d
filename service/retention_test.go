package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"llm-chat-relay/utils"
)

func TestRetentionSweepsImmediatelyAndOnTick(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewConversationService(repo, utils.NewNopLogger(), WithClock(fixedClock))
	worker := NewRetention(svc, 30, 20*time.Millisecond, utils.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)

	assert.Eventually(t, func() bool { return len(repo.Cutoffs()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	for _, cutoff := range repo.Cutoffs() {
		assert.Equal(t, fixedNow.UnixMilli()-30*dayMs, cutoff)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	stopped := len(repo.Cutoffs())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, len(repo.Cutoffs()), "no sweeps after cancel")
}

func TestRetentionDisabled(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewConversationService(repo, utils.NewNopLogger())
	NewRetention(svc, 0, time.Millisecond, utils.NewNopLogger()).Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, repo.Cutoffs())
}

func TestRetentionDefaultInterval(t *testing.T) {
	worker := NewRetention(nil, 1, 0, utils.NewNopLogger())
	assert.Equal(t, time.Hour, worker.interval)
}
