package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"marhaba-chat-go/internal/memory"
	"marhaba-chat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		locale   string
		expected string
	}{
		{
			name:     "english takes first four tokens",
			message:  "Hello there, how are you today?",
			locale:   "en",
			expected: "Hello there how are",
		},
		{
			name:     "arabic takes first three tokens",
			message:  "مرحبا كيف حالك اليوم يا صديقي",
			locale:   "ar",
			expected: "مرحبا كيف حالك",
		},
		{
			name:     "punctuation is stripped",
			message:  "What?! Is... Go, really-fast???",
			locale:   "en",
			expected: "What Is Go reallyfast",
		},
		{
			name:     "empty message falls back to default",
			message:  "",
			locale:   "en",
			expected: "New Conversation",
		},
		{
			name:     "punctuation only falls back to default",
			message:  "!?!.",
			locale:   "ar",
			expected: "محادثة جديدة",
		},
		{
			name:     "too short after cleaning falls back to default",
			message:  "hi",
			locale:   "en",
			expected: "New Conversation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SynthesizeTitle(tt.message, tt.locale))
		})
	}
}

func TestSynthesizeTitleTruncatesLongTitles(t *testing.T) {
	title := SynthesizeTitle(strings.Repeat("a", 60), "en")
	assert.Equal(t, strings.Repeat("a", 47)+"...", title)
	assert.Len(t, []rune(title), 50)
}

func newTestConversationService(repo *fakeExchangeRepo, summaryRepo *fakeSummaryRepo) (ConversationService, *memory.Manager) {
	sessions := memory.NewManager(100)
	return NewConversationService(repo, summaryRepo, sessions), sessions
}

func TestListConversationsSynthesizesTitles(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := &fakeExchangeRepo{
		groups: []model.ConversationSummary{
			{ConversationID: "conv-a", Language: "en", MessageCount: 3, CreatedAt: base, LastActivity: base.Add(time.Hour)},
			{ConversationID: "conv-b", Language: "ar", MessageCount: 1, CreatedAt: base, LastActivity: base},
		},
		distinctCount: 2,
	}
	require.NoError(t, repo.Append(context.Background(), &model.Exchange{
		UserID: 1, ConversationID: "conv-a", Message: "Hello there, how are you today?",
		Response: "r", Language: "en", CreatedAt: base,
	}))

	svc, _ := newTestConversationService(repo, newFakeSummaryRepo())

	conversations, total, err := svc.ListConversations(context.Background(), 1, 20, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, conversations, 2)

	// conv-a 有首条消息，标题来自消息内容
	assert.Equal(t, "Hello there how are", conversations[0].Title)
	// conv-b 无法取得首条消息，回退到其语言的默认标题
	assert.Equal(t, "محادثة جديدة", conversations[1].Title)
}

func TestListConversationsPagingDoesNotAffectTotal(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := &fakeExchangeRepo{distinctCount: 5}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		repo.groups = append(repo.groups, model.ConversationSummary{
			ConversationID: id, Language: "en", MessageCount: 1,
			CreatedAt: base, LastActivity: base,
		})
	}
	svc, _ := newTestConversationService(repo, newFakeSummaryRepo())

	conversations, total, err := svc.ListConversations(context.Background(), 1, 2, 1)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "b", conversations[0].ConversationID)
	assert.Equal(t, "c", conversations[1].ConversationID)
	// 总数与分页窗口无关
	assert.EqualValues(t, 5, total)

	// 偏移越界返回空页
	conversations, total, err = svc.ListConversations(context.Background(), 1, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, conversations)
	assert.EqualValues(t, 5, total)
}

func TestListConversationsTitleFailureFallsBackPerGroup(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := &fakeExchangeRepo{
		groups: []model.ConversationSummary{
			{ConversationID: "conv-a", Language: "en", MessageCount: 1, CreatedAt: base, LastActivity: base},
		},
		distinctCount: 1,
		firstErr:      context.DeadlineExceeded,
	}
	svc, _ := newTestConversationService(repo, newFakeSummaryRepo())

	conversations, _, err := svc.ListConversations(context.Background(), 1, 20, 0)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "New Conversation", conversations[0].Title)
}

func TestStartConversation(t *testing.T) {
	svc, _ := newTestConversationService(&fakeExchangeRepo{}, newFakeSummaryRepo())

	id1, title := svc.StartConversation(1, "ar")
	id2, _ := svc.StartConversation(1, "ar")

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, "محادثة جديدة", title)
}

func TestDeleteConversationClearsMemory(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := &fakeExchangeRepo{}
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(context.Background(), &model.Exchange{
			UserID: 1, ConversationID: "conv-a", Message: "q", Response: "r",
			Language: "en", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	svc, sessions := newTestConversationService(repo, newFakeSummaryRepo())
	sessions.Append(1, "conv-a", model.Turn{Message: "q", Response: "r", Timestamp: base})
	sessions.GetOrCreateBinding(1, "conv-a", "gpt-4", "en")

	deleted, err := svc.DeleteConversation(context.Background(), 1, "conv-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
	assert.Empty(t, sessions.History(1, "conv-a"))
	assert.False(t, sessions.HasBinding(1, "conv-a", "gpt-4", "en"))
	assert.Empty(t, repo.exchanges)
}

func TestGetUserSummaryMissingSnapshot(t *testing.T) {
	svc, _ := newTestConversationService(&fakeExchangeRepo{}, newFakeSummaryRepo())

	summary, stats, err := svc.GetUserSummary(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, summary)
	require.NotNil(t, stats)
}

func TestGetUserSummaryReturnsSnapshotAndStats(t *testing.T) {
	summaryRepo := newFakeSummaryRepo()
	require.NoError(t, summaryRepo.Upsert(context.Background(), 1, "knows Go", "en"))
	svc, _ := newTestConversationService(&fakeExchangeRepo{}, summaryRepo)

	summary, stats, err := svc.GetUserSummary(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "knows Go", summary.SummaryText)
	assert.NotNil(t, stats)
}
