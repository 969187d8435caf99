package thread_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-autoreply/internal/dedup"
	"github.com/hal9000y/gmail-autoreply/internal/format"
	"github.com/hal9000y/gmail-autoreply/internal/outbox"
	"github.com/hal9000y/gmail-autoreply/internal/reply"
	"github.com/hal9000y/gmail-autoreply/internal/store"
	"github.com/hal9000y/gmail-autoreply/internal/thread"
)

type generatorMock struct {
	mu           sync.Mutex
	calls        []reply.Request
	GenerateFunc func(ctx context.Context, req reply.Request) (string, error)
}

func (m *generatorMock) Generate(ctx context.Context, req reply.Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	return m.GenerateFunc(ctx, req)
}

func (m *generatorMock) Calls() []reply.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reply.Request(nil), m.calls...)
}

type senderMock struct {
	mu       sync.Mutex
	drafts   []format.Draft
	SendFunc func(ctx context.Context, threadID string, d format.Draft) (outbox.Sent, error)
}

func (m *senderMock) Send(ctx context.Context, threadID string, d format.Draft) (outbox.Sent, error) {
	m.mu.Lock()
	m.drafts = append(m.drafts, d)
	m.mu.Unlock()
	return m.SendFunc(ctx, threadID, d)
}

func (m *senderMock) Drafts() []format.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]format.Draft(nil), m.drafts...)
}

func replyWith(raw string) *generatorMock {
	return &generatorMock{
		GenerateFunc: func(context.Context, reply.Request) (string, error) {
			return raw, nil
		},
	}
}

func sendsAs(id string, at time.Time) *senderMock {
	return &senderMock{
		SendFunc: func(_ context.Context, threadID string, _ format.Draft) (outbox.Sent, error) {
			return outbox.Sent{
				ID:              id,
				From:            "owner@example.com",
				ThreadID:        threadID,
				MessageIDHeader: "<" + id + "@mail.example.com>",
				SentAt:          at,
			}, nil
		},
	}
}

func newRepo(t *testing.T, msgs ...store.Message) *store.FileStore {
	t.Helper()

	repo := store.NewFileStore(filepath.Join(t.TempDir(), "store.json"))
	st := store.New()
	for _, m := range msgs {
		st.Upsert(m)
	}
	require.NoError(t, repo.Save(st))

	return repo
}

func inbound(id string, minute int) store.Message {
	return store.Message{
		ID:              id,
		ThreadID:        "t1",
		From:            "Jane <jane@example.com>",
		Subject:         "Opening hours",
		Snippet:         "Are you open on Sunday?",
		Date:            baseTime.Add(time.Duration(minute) * time.Minute),
		MessageIDHeader: "<" + id + "@example.com>",
		Status:          store.StatusNew,
	}
}

func outbound(id string, minute int) store.Message {
	return store.Message{
		ID:       id,
		ThreadID: "t1",
		From:     "owner@example.com",
		Subject:  "Re: Opening hours",
		Date:     baseTime.Add(time.Duration(minute) * time.Minute),
		SentByUs: true,
		Status:   store.StatusSent,
	}
}

func load(t *testing.T, repo store.Repository) *store.Store {
	t.Helper()
	st, err := repo.Load()
	require.NoError(t, err)
	return st
}

func TestProcessThreadResponds(t *testing.T) {
	repo := newRepo(t, inbound("m1", 0))
	gen := replyWith(`{"reply":"Thanks","requires_human_review":false}`)
	sentAt := baseTime.Add(time.Hour)
	snd := sendsAs("s1", sentAt)
	guard := dedup.NewGuard(time.Minute)
	defer guard.Stop()

	proc := thread.NewProcessor(repo, gen, snd, guard, thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	st := load(t, repo)

	m1 := st.Messages["m1"]
	assert.Equal(t, store.StatusResponded, m1.Status)
	require.NotNil(t, m1.Reply)
	assert.Equal(t, "Re: Opening hours", m1.Reply.Subject)
	assert.Equal(t, "Thanks", m1.Reply.Body)
	assert.Equal(t, "s1", m1.Reply.SentMessageID)
	assert.True(t, sentAt.Equal(m1.Reply.SentAt))
	assert.JSONEq(t, `{"reply":"Thanks","requires_human_review":false}`, string(m1.LLMParsed))

	s1, ok := st.Messages["s1"]
	require.True(t, ok)
	assert.Equal(t, store.StatusSent, s1.Status)
	assert.True(t, s1.SentByUs)
	assert.Equal(t, "t1", s1.ThreadID)
	assert.Equal(t, "<s1@mail.example.com>", s1.MessageIDHeader)
	assert.Equal(t, []string{"m1", "s1"}, st.Threads["t1"])

	assert.True(t, guard.IsMarked("s1"))

	drafts := snd.Drafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "Jane <jane@example.com>", drafts[0].To)
	assert.Equal(t, "<m1@example.com>", drafts[0].InReplyTo)
	assert.Equal(t, []string{"<m1@example.com>"}, drafts[0].References)

	calls := gen.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Context, 1)
	assert.Equal(t, "Are you open on Sunday?", calls[0].Context[0].Snippet)
}

func TestProcessThreadUsesReplyTo(t *testing.T) {
	m1 := inbound("m1", 0)
	m1.ReplyToHeader = "support@example.com"
	repo := newRepo(t, m1)
	snd := sendsAs("s1", baseTime.Add(time.Hour))

	proc := thread.NewProcessor(repo, replyWith(`{"reply":"Thanks"}`), snd, dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	drafts := snd.Drafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "support@example.com", drafts[0].To)
}

func TestProcessThreadNoSelfReply(t *testing.T) {
	repo := newRepo(t, inbound("m1", 0), outbound("s0", 5))
	gen := replyWith(`{"reply":"Thanks"}`)
	snd := sendsAs("s1", baseTime.Add(time.Hour))

	proc := thread.NewProcessor(repo, gen, snd, dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	assert.Empty(t, gen.Calls())
	assert.Empty(t, snd.Drafts())
	assert.Equal(t, store.StatusNew, load(t, repo).Messages["m1"].Status)
}

func TestProcessThreadNothingPending(t *testing.T) {
	m1 := inbound("m1", 0)
	m1.Status = store.StatusResponded
	m2 := inbound("m2", 1)
	m2.Status = store.StatusHumanReview
	repo := newRepo(t, m1, m2)
	gen := replyWith(`{"reply":"Thanks"}`)

	proc := thread.NewProcessor(repo, gen, sendsAs("s1", baseTime), dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))
	require.NoError(t, proc.ProcessThread(context.Background(), "unknown"))

	assert.Empty(t, gen.Calls())
}

func TestProcessThreadHumanReview(t *testing.T) {
	failingSender := &senderMock{
		SendFunc: func(context.Context, string, format.Draft) (outbox.Sent, error) {
			return outbox.Sent{}, errors.New("simulated send error")
		},
	}

	cases := []struct {
		name           string
		gen            *generatorMock
		snd            *senderMock
		expectedReason string
		expectedRaw    string
		expectReply    bool
	}{
		{
			name: "generator_error",
			gen: &generatorMock{GenerateFunc: func(context.Context, reply.Request) (string, error) {
				return "", errors.New("simulated transport error")
			}},
			expectedReason: store.ReasonLLMError,
		},
		{
			name:           "unparsable_output",
			gen:            replyWith("Sure! Happy to help."),
			expectedReason: store.ReasonUnparsableLLM,
			expectedRaw:    "Sure! Happy to help.",
		},
		{
			name:           "review_requested",
			gen:            replyWith(`{"reply":"","requires_human_review":true,"reason":"refund request"}`),
			expectedReason: "refund request",
			expectedRaw:    `{"reply":"","requires_human_review":true,"reason":"refund request"}`,
		},
		{
			name:           "review_requested_without_reason",
			gen:            replyWith(`{"requires_human_review":true}`),
			expectedReason: "review_requested",
			expectedRaw:    `{"requires_human_review":true}`,
		},
		{
			name:           "empty_reply",
			gen:            replyWith(`{"reply":"   ","requires_human_review":false}`),
			expectedReason: store.ReasonEmptyReply,
			expectedRaw:    `{"reply":"   ","requires_human_review":false}`,
		},
		{
			name:           "send_failed",
			gen:            replyWith(`{"reply":"Thanks","requires_human_review":false}`),
			snd:            failingSender,
			expectedReason: store.ReasonSendFailed,
			expectedRaw:    `{"reply":"Thanks","requires_human_review":false}`,
			expectReply:    true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newRepo(t, inbound("m1", 0))
			snd := tc.snd
			if snd == nil {
				snd = sendsAs("s1", baseTime.Add(time.Hour))
			}
			guard := dedup.NewGuard(time.Minute)
			defer guard.Stop()

			proc := thread.NewProcessor(repo, tc.gen, snd, guard, thread.Config{ContextInbound: 1, ContextOutbound: 1})
			require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

			st := load(t, repo)
			m1 := st.Messages["m1"]
			assert.Equal(t, store.StatusHumanReview, m1.Status)
			assert.Equal(t, tc.expectedReason, m1.HumanReviewReason)
			assert.Equal(t, tc.expectedRaw, m1.LLMRaw)
			assert.Len(t, st.Messages, 1)
			assert.Zero(t, guard.Len())

			if tc.expectReply {
				require.NotNil(t, m1.Reply)
				assert.Equal(t, "Thanks", m1.Reply.Body)
				assert.Empty(t, m1.Reply.SentMessageID)
			} else {
				assert.Nil(t, m1.Reply)
			}

			// A second run is a no-op: the message left the new state.
			calls := len(tc.gen.Calls())
			require.NoError(t, proc.ProcessThread(context.Background(), "t1"))
			assert.Len(t, tc.gen.Calls(), calls)
		})
	}
}

func TestProcessThreadGeneratorTimeout(t *testing.T) {
	repo := newRepo(t, inbound("m1", 0))
	gen := &generatorMock{GenerateFunc: func(ctx context.Context, _ reply.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	proc := thread.NewProcessor(repo, gen, sendsAs("s1", baseTime), dedup.NewGuard(time.Minute), thread.Config{
		ContextInbound:  1,
		ContextOutbound: 1,
		GenerateTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	m1 := load(t, repo).Messages["m1"]
	assert.Equal(t, store.StatusHumanReview, m1.Status)
	assert.Equal(t, store.ReasonLLMError, m1.HumanReviewReason)
}

func TestProcessThreadAnswersBacklogOnce(t *testing.T) {
	repo := newRepo(t, inbound("m1", 0), outbound("s0", 1), inbound("m2", 2), inbound("m3", 3))
	gen := replyWith(`{"reply":"Thanks"}`)
	snd := sendsAs("s1", baseTime.Add(time.Hour))

	proc := thread.NewProcessor(repo, gen, snd, dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	calls := gen.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Context, 2)
	assert.True(t, calls[0].Context[0].SentByUs)
	assert.False(t, calls[0].Context[1].SentByUs)
	assert.Len(t, calls[0].Thread, 4)

	drafts := snd.Drafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "<m3@example.com>", drafts[0].InReplyTo)

	st := load(t, repo)
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, store.StatusResponded, st.Messages[id].Status, id)
	}

	// The thread now ends with our reply.
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))
	assert.Len(t, gen.Calls(), 1)
}

// racingRepo advances a message on the nth load, as another cycle would.
type racingRepo struct {
	*store.FileStore
	mu      sync.Mutex
	loads   int
	raceOn  int
	advance func(*store.Store)
}

func (r *racingRepo) Load() (*store.Store, error) {
	r.mu.Lock()
	r.loads++
	n := r.loads
	r.mu.Unlock()

	if n == r.raceOn {
		st, err := r.FileStore.Load()
		if err != nil {
			return nil, err
		}
		r.advance(st)
		if err := r.FileStore.Save(st); err != nil {
			return nil, err
		}
	}

	return r.FileStore.Load()
}

func TestProcessThreadSkipsMessageAdvancedConcurrently(t *testing.T) {
	repo := &racingRepo{
		FileStore: newRepo(t, inbound("m1", 0)),
		raceOn:    2,
		advance: func(st *store.Store) {
			m := st.Messages["m1"]
			m.Status = store.StatusResponded
			st.Messages["m1"] = m
		},
	}
	gen := replyWith(`{"reply":"Thanks"}`)
	snd := sendsAs("s1", baseTime)

	proc := thread.NewProcessor(repo, gen, snd, dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	assert.Empty(t, gen.Calls())
	assert.Empty(t, snd.Drafts())
	assert.Equal(t, store.StatusResponded, load(t, repo).Messages["m1"].Status)
}

func TestProcessThreadDoesNotRegressStatusAdvancedDuringGeneration(t *testing.T) {
	repo := &racingRepo{
		FileStore: newRepo(t, inbound("m1", 0), inbound("m2", 1)),
		raceOn:    3,
		advance: func(st *store.Store) {
			m := st.Messages["m1"]
			m.Status = store.StatusHumanReview
			m.HumanReviewReason = "manual"
			st.Messages["m1"] = m
		},
	}
	gen := replyWith(`{"reply":"Thanks"}`)

	proc := thread.NewProcessor(repo, gen, sendsAs("s1", baseTime.Add(time.Hour)), dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	st := load(t, repo)
	assert.Equal(t, store.StatusHumanReview, st.Messages["m1"].Status)
	assert.Equal(t, "manual", st.Messages["m1"].HumanReviewReason)
	assert.Equal(t, store.StatusResponded, st.Messages["m2"].Status)
	assert.Equal(t, store.StatusSent, st.Messages["s1"].Status)
}

type failingSaveRepo struct {
	*store.FileStore
}

func (r failingSaveRepo) Save(*store.Store) error {
	return errors.New("simulated disk full")
}

func TestProcessThreadPropagatesSaveFailure(t *testing.T) {
	repo := failingSaveRepo{FileStore: newRepo(t, inbound("m1", 0))}

	proc := thread.NewProcessor(repo, replyWith(`{"reply":"Thanks"}`), sendsAs("s1", baseTime), dedup.NewGuard(time.Minute), thread.Config{ContextInbound: 1, ContextOutbound: 1})
	err := proc.ProcessThread(context.Background(), "t1")
	require.ErrorContains(t, err, "simulated disk full")
}

func TestProcessThreadDefaultsContextLimits(t *testing.T) {
	repo := newRepo(t, inbound("m1", 0), outbound("s0", 1), inbound("m2", 2), inbound("m3", 3))
	gen := replyWith(`{"reply":"Thanks"}`)

	proc := thread.NewProcessor(repo, gen, sendsAs("s1", baseTime.Add(time.Hour)), dedup.NewGuard(time.Minute), thread.Config{})
	require.NoError(t, proc.ProcessThread(context.Background(), "t1"))

	calls := gen.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Context, 2)
	assert.True(t, calls[0].Context[0].SentByUs)
	assert.False(t, calls[0].Context[1].SentByUs)
	assert.True(t, baseTime.Add(3*time.Minute).Equal(calls[0].Context[1].Date))
}
