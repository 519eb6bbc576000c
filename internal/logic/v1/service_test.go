package v1

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/imagegen-service/internal/core/domain"
	"github.com/duynhne/imagegen-service/internal/core/imagehash"
)

func generate(t *testing.T, h *harness, s *domain.SessionState, prompt string, count int) (*GenerateResult, error) {
	t.Helper()
	return h.svc.Generate(context.Background(), GenerateRequest{State: s, Prompt: prompt, Count: count})
}

func TestGenerate_DebitsExactlyAndStamps(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(10)

	res, err := generate(t, h, s, "a cat", 3)
	require.NoError(t, err)
	assert.Len(t, res.Images, 3)
	assert.Equal(t, 3, res.Allowed)
	assert.Equal(t, 7, s.Token)
	assert.Equal(t, testNow.Format(time.RFC3339), s.LastGeneration)

	require.Len(t, h.gen.calls, 1)
	call := h.gen.calls[0]
	assert.Equal(t, "test-model", call.Model)
	assert.Equal(t, "a cat", call.Prompt)
	assert.Equal(t, "lowres", call.NegativePrompt)
	assert.Equal(t, 3, call.Count)

	assert.Len(t, h.prov.generated, 3)
	for _, img := range res.Images {
		assert.True(t, h.prov.generated[img.Hash])
	}
	require.Len(t, h.audit.recs, 1)
	assert.Equal(t, s.SessionID(), h.audit.recs[0].SessionID)
	assert.Len(t, h.audit.recs[0].Outcomes, 3)
	assert.Equal(t, 3, h.metrics.images)
	assert.Equal(t, 1, h.svc.Registry.Count())
}

func TestGenerate_ClampsToBalance(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(3)

	res, err := generate(t, h, s, "a cat", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Requested)
	assert.Equal(t, 3, res.Allowed)
	assert.Len(t, res.Images, 3)
	assert.Equal(t, 3, h.gen.calls[0].Count)
	assert.Zero(t, s.Token)
}

func TestGenerate_EmptyBalance(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(0)

	_, err := generate(t, h, s, "a cat", 1)
	var credit *InsufficientCreditError
	require.True(t, errors.As(err, &credit))
	assert.Equal(t, time.Hour, credit.WaitRemaining)
	assert.Empty(t, h.gen.calls)
	assert.Equal(t, testNow.Format(time.RFC3339), s.LastGeneration, "refill clock starts")
	assert.Zero(t, s.Token)
}

func TestGenerate_RefillsBeforeClamping(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(10)
	s.Token = 1
	s.LastGeneration = testNow.Add(-2 * time.Hour).Format(time.RFC3339)

	res, err := generate(t, h, s, "a cat", 2)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Refilled)
	assert.Equal(t, 8, s.Token)
	assert.Equal(t, 9, h.metrics.grants[GrantRefill])
}

func TestGenerate_GeneratorFailureChargesNothing(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	h.gen.err = errors.New("CUDA out of memory")
	s := domain.NewSessionState(10)

	_, err := generate(t, h, s, "a cat", 2)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, 10, s.Token)
	assert.Empty(t, s.LastGeneration)
	assert.Empty(t, h.prov.generated)
	assert.Empty(t, h.audit.recs)
}

func TestGenerate_LowTrustSendsSafePrompt(t *testing.T) {
	policy := testModeration()
	policy.NSFWEnabled = true
	h := newHarness(testCredits(), policy)
	h.classifier.unsafeIf = unsafeWords("nude")

	s := domain.NewSessionState(10)
	s.NSFWTrust = -3
	_, err := generate(t, h, s, "a nude cat", 1)
	require.NoError(t, err)
	assert.Equal(t, "a friendly cat", h.gen.calls[0].Prompt)
	assert.Equal(t, "lowres, nsfw, nude", h.gen.calls[0].NegativePrompt)

	trusted := domain.NewSessionState(10)
	trusted.NSFWTrust = -2
	_, err = generate(t, h, trusted, "a nude cat", 1)
	require.NoError(t, err)
	assert.Equal(t, "a nude cat", h.gen.calls[1].Prompt)
	assert.Equal(t, "lowres", h.gen.calls[1].NegativePrompt)
}

func TestGenerate_StyleWrapsModeratedText(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	h.classifier.unsafeIf = unsafeWords("nude")
	s := domain.NewSessionState(10)

	res, err := h.svc.Generate(context.Background(), GenerateRequest{
		State: s, Prompt: "a nude cat", Style: "anime", NegativePrompt: "text", Count: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "anime art of a friendly cat", res.FinalPrompt)
	assert.Equal(t, "lowres, photo, text", res.NegativePrompt)
	assert.Equal(t, OutcomeUnsafe, res.PromptOutcome.Kind)
}

func TestGenerate_CensorsExplicitOutput(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	h.images.byIndex[1] = explicitAt(0.9)
	s := domain.NewSessionState(10)

	res, err := generate(t, h, s, "a cat", 2)
	require.NoError(t, err)
	require.Len(t, res.Images, 2)

	assert.Same(t, h.gen.last[0], res.Images[0].Image)
	assert.False(t, res.Images[0].Censored)
	assert.True(t, res.Images[1].Censored)
	assert.NotSame(t, h.gen.last[1], res.Images[1].Image)
	assert.Equal(t, -1, s.NSFWTrust)
	assert.Equal(t, 1, h.metrics.nsfw)

	assert.Len(t, h.prov.generated, 3, "censored derivative and its original are both recorded")
	assert.True(t, h.prov.generated[imagehash.Sum(h.gen.last[1])])
}

func TestGenerate_FailClosedImageStage(t *testing.T) {
	policy := testModeration()
	policy.FailClosed = true
	h := newHarness(testCredits(), policy)
	h.images.failOn = map[int]error{0: errors.New("vision model down")}
	s := domain.NewSessionState(10)

	_, err := generate(t, h, s, "a cat", 1)
	require.ErrorIs(t, err, ErrModerationDegraded)
	assert.Equal(t, 10, s.Token)
}

func TestGenerate_FailClosedKeepsTrust(t *testing.T) {
	policy := testModeration()
	policy.FailClosed = true
	h := newHarness(testCredits(), policy)
	h.images.byIndex = map[int][]domain.Detection{0: explicitAt(0.9)}
	h.images.failOn = map[int]error{1: errors.New("vision model down")}
	s := domain.NewSessionState(10)

	res, err := generate(t, h, s, "a cat", 2)
	require.ErrorIs(t, err, ErrModerationDegraded)
	assert.Equal(t, 10, s.Token)
	assert.Equal(t, 0, s.NSFWTrust)
	assert.Empty(t, res.Images)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	h := newHarness(testCredits(), testModeration())

	tests := []struct {
		name string
		req  GenerateRequest
	}{
		{"no session", GenerateRequest{Prompt: "a cat", Count: 1}},
		{"blank prompt", GenerateRequest{State: domain.NewSessionState(10), Prompt: "  ", Count: 1}},
		{"zero images", GenerateRequest{State: domain.NewSessionState(10), Prompt: "a cat"}},
		{"too many images", GenerateRequest{State: domain.NewSessionState(10), Prompt: "a cat", Count: 6}},
		{"unknown style", GenerateRequest{State: domain.NewSessionState(10), Prompt: "a cat", Count: 1, Style: "oil"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Generate(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.gen.calls)
}

func TestGenerate_AccruesReferral(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	ctx := context.Background()

	referrer, err := h.svc.NewSession(ctx, "")
	require.NoError(t, err)
	referred, err := h.svc.NewSession(ctx, referrer.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, referrer.ReferenceCode, referred.ReferredBy)

	_, err = generate(t, h, referred, "a cat", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, h.refs.m[referrer.ReferenceCode])

	got, err := h.svc.Redeem(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 12, referrer.Token)
	assert.Equal(t, 1, referrer.NSFWTrust)

	got, err = h.svc.Redeem(ctx, referrer)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestNewSession(t *testing.T) {
	h := newHarness(testCredits(), testModeration())

	s, err := h.svc.NewSession(context.Background(), "  friend  ")
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, 10, s.Token)
	assert.Zero(t, s.NSFWTrust)
	assert.Len(t, s.ReferenceCode, 12)
	assert.Equal(t, "friend", s.ReferredBy)
	assert.Contains(t, h.refs.m, s.ReferenceCode)
	assert.Contains(t, h.refs.m, "friend")
	assert.Equal(t, 1, h.svc.Registry.Count())
}

func TestRefill(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(10)
	s.Token = 0
	s.LastGeneration = testNow.Add(-61 * time.Minute).Format(time.RFC3339)

	assert.Equal(t, 10, h.svc.Refill(context.Background(), s))
	assert.Equal(t, 10, s.Token)
	assert.Zero(t, h.svc.Refill(context.Background(), s))
}

func TestRewardUpload_RejectsGeneratedImages(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	ctx := context.Background()
	s := domain.NewSessionState(10)

	_, err := generate(t, h, s, "a cat", 1)
	require.NoError(t, err)

	_, err = h.svc.RewardUpload(ctx, s, h.gen.last[0])
	assert.ErrorIs(t, err, ErrGeneratedImage)

	reward, err := h.svc.RewardUpload(ctx, s, solid(7))
	require.NoError(t, err)
	assert.Equal(t, 2, reward.Token)
	assert.Equal(t, 11, s.Token)
}

func TestStats(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	ctx := context.Background()

	s, err := h.svc.NewSession(ctx, "friend")
	require.NoError(t, err)
	_, err = generate(t, h, s, "a cat", 2)
	require.NoError(t, err)
	_, err = h.svc.RewardUpload(ctx, s, solid(7))
	require.NoError(t, err)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{
		ActiveSessions:   1,
		ReferenceCodes:   2,
		PendingReferrals: 2,
		GeneratedImages:  2,
		RewardedUploads:  1,
	}, stats)
}

func TestRedeem_ConcurrentGrantsOnce(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	ctx := context.Background()
	s := domain.NewSessionState(10)
	s.ReferenceCode = "friendcode01"
	h.refs.m[s.ReferenceCode] = 7

	const callers = 16
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			got, err := h.svc.Redeem(ctx, s)
			assert.NoError(t, err)
			total.Add(int64(got))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 7, total.Load())
	assert.Equal(t, 17, s.Token)
	assert.Equal(t, 3, s.NSFWTrust)
	assert.Zero(t, h.refs.m[s.ReferenceCode])
}

func TestRedeem_ConcurrentCopiesShareOneBalance(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	ctx := context.Background()
	h.refs.m["friendcode01"] = 9

	// every request decodes its own copy of the same client session
	const callers = 8
	copies := make([]*domain.SessionState, callers)
	for i := range copies {
		copies[i] = domain.NewSessionState(10)
		require.NoError(t, copies[i].SetSessionID("shared"))
		copies[i].ReferenceCode = "friendcode01"
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	wg.Add(callers)
	for _, c := range copies {
		go func() {
			defer wg.Done()
			got, err := h.svc.Redeem(ctx, c)
			assert.NoError(t, err)
			total.Add(int64(got))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 9, total.Load())
}

func TestRefill_ConcurrentFiresOnce(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(10)
	s.Token = 1
	s.LastGeneration = testNow.Add(-2 * time.Hour).Format(time.RFC3339)

	const callers = 16
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			total.Add(int64(h.svc.Refill(context.Background(), s)))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 9, total.Load())
	assert.Equal(t, 10, s.Token)
	assert.Empty(t, s.LastGeneration)
}

func TestGenerate_ConcurrentNeverOverspends(t *testing.T) {
	h := newHarness(testCredits(), testModeration())
	s := domain.NewSessionState(10)

	const callers = 12
	var (
		wg       sync.WaitGroup
		ok, poor atomic.Int64
	)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			_, err := h.svc.Generate(context.Background(), GenerateRequest{State: s, Prompt: "a cat", Count: 1})
			var credit *InsufficientCreditError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &credit):
				poor.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	assert.EqualValues(t, 2, poor.Load())
	assert.Zero(t, s.Token)
}
