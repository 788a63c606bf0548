package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marhaba-chat-go/internal/config"
	"marhaba-chat-go/internal/memory"
	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/repository"
	"marhaba-chat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// scriptedReply 是 fakeLLM 按调用顺序吐出的单次应答。
type scriptedReply struct {
	text string
	err  error
}

// fakeLLM 按脚本应答并记录收到的提示词。
type fakeLLM struct {
	replies []scriptedReply
	prompts []string
}

func (f *fakeLLM) next() scriptedReply {
	if len(f.replies) == 0 {
		return scriptedReply{err: errors.New("no scripted reply")}
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r
}

func (f *fakeLLM) Complete(ctx context.Context, modelName, promptText string) (string, error) {
	f.prompts = append(f.prompts, promptText)
	r := f.next()
	return r.text, r.err
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, modelName, promptText string, writer llm.MessageWriter) (string, error) {
	f.prompts = append(f.prompts, promptText)
	r := f.next()
	if r.err != nil {
		return "", r.err
	}
	// 逐字符写出，模拟流式分块
	for _, ch := range r.text {
		if err := writer.WriteMessage(1, []byte(string(ch))); err != nil {
			return "", err
		}
	}
	return r.text, nil
}

func (f *fakeLLM) SupportedModels() []string {
	return []string{"llama-3.1-8b", "gpt-4"}
}

// fakeExchangeRepo 是 ExchangeRepository 的内存实现。
type fakeExchangeRepo struct {
	exchanges     []model.Exchange
	appendErr     error
	groups        []model.ConversationSummary
	groupsErr     error
	distinctCount int64
	firstErr      error
	nextID        uint
}

func (f *fakeExchangeRepo) Append(ctx context.Context, exchange *model.Exchange) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	if exchange.ConversationID == "" {
		exchange.ConversationID = model.DefaultConversationID
	}
	f.nextID++
	exchange.ID = f.nextID
	if exchange.CreatedAt.IsZero() {
		exchange.CreatedAt = time.Now()
	}
	f.exchanges = append(f.exchanges, *exchange)
	return nil
}

func (f *fakeExchangeRepo) matches(e *model.Exchange, userID uint, conversationID string) bool {
	if e.UserID != userID {
		return false
	}
	if conversationID == "" {
		conversationID = model.DefaultConversationID
	}
	return e.ConversationID == conversationID
}

func (f *fakeExchangeRepo) FindByConversation(ctx context.Context, userID uint, conversationID string, limit, offset int, ascending bool) ([]model.Exchange, int64, error) {
	var out []model.Exchange
	for i := range f.exchanges {
		if f.matches(&f.exchanges[i], userID, conversationID) {
			out = append(out, f.exchanges[i])
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeExchangeRepo) FindRecentByUser(ctx context.Context, userID uint, limit, offset int) ([]model.Exchange, int64, error) {
	var out []model.Exchange
	for i := len(f.exchanges) - 1; i >= 0 && len(out) < limit; i-- {
		if f.exchanges[i].UserID == userID {
			out = append(out, f.exchanges[i])
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeExchangeRepo) FirstInConversation(ctx context.Context, userID uint, conversationID string) (*model.Exchange, error) {
	if f.firstErr != nil {
		return nil, f.firstErr
	}
	for i := range f.exchanges {
		if f.matches(&f.exchanges[i], userID, conversationID) {
			return &f.exchanges[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeExchangeRepo) GroupByConversation(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	out := make([]model.ConversationSummary, len(f.groups))
	copy(out, f.groups)
	return out, nil
}

func (f *fakeExchangeRepo) CountDistinctConversations(ctx context.Context, userID uint) (int64, error) {
	return f.distinctCount, nil
}

func (f *fakeExchangeRepo) DeleteByConversation(ctx context.Context, userID uint, conversationID string) (int64, error) {
	var kept []model.Exchange
	var deleted int64
	for i := range f.exchanges {
		if f.matches(&f.exchanges[i], userID, conversationID) {
			deleted++
			continue
		}
		kept = append(kept, f.exchanges[i])
	}
	f.exchanges = kept
	return deleted, nil
}

func (f *fakeExchangeRepo) Stats(ctx context.Context, userID uint) (*repository.UsageStats, error) {
	return &repository.UsageStats{}, nil
}

// fakeSummaryRepo 是 SummaryRepository 的内存实现。
type fakeSummaryRepo struct {
	summaries map[uint]*model.UserSummary
	upsertErr error
}

func newFakeSummaryRepo() *fakeSummaryRepo {
	return &fakeSummaryRepo{summaries: make(map[uint]*model.UserSummary)}
}

func (f *fakeSummaryRepo) Upsert(ctx context.Context, userID uint, summaryText, language string) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.summaries[userID] = &model.UserSummary{UserID: userID, SummaryText: summaryText, Language: language}
	return nil
}

func (f *fakeSummaryRepo) FindByUser(ctx context.Context, userID uint) (*model.UserSummary, error) {
	s, ok := f.summaries[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return s, nil
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		ContextBudgets: config.ContextBudgetConfig{Casual: 500, Technical: 800, Summary: 2000, Help: 0},
		SummaryWindow:  20,
	}
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{DefaultModel: "llama-3.1-8b", RequestTimeoutSeconds: 5}
}

func newTestChatService(client llm.Client, exchangeRepo repository.ExchangeRepository, summaryRepo repository.SummaryRepository) (ChatService, *memory.Manager) {
	sessions := memory.NewManager(100)
	svc := NewChatService(client, exchangeRepo, summaryRepo, sessions, testChatConfig(), testLLMConfig())
	return svc, sessions
}

func testUser() *model.User {
	return &model.User{ID: 1, Email: "omar@example.com", LanguagePreference: "en"}
}

func TestRouteClassifiesAndPersists(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "technical"},
		{text: "use sort.Slice"},
	}}
	repo := &fakeExchangeRepo{}
	svc, sessions := newTestChatService(client, repo, newFakeSummaryRepo())

	result, err := svc.Route(context.Background(), testUser(), "how do I sort a slice", "conv-1", "en")
	require.NoError(t, err)

	assert.Equal(t, prompt.IntentTechnical, result.Intent)
	assert.False(t, result.Degraded)
	assert.Equal(t, "use sort.Slice", result.Exchange.Response)
	assert.Equal(t, RouterModelName, result.Exchange.ModelName)
	assert.Equal(t, "conv-1", result.Exchange.ConversationID)

	// 交互已落库且会话记忆已更新
	require.Len(t, repo.exchanges, 1)
	history := sessions.History(1, "conv-1")
	require.Len(t, history, 1)
	assert.Equal(t, "use sort.Slice", history[0].Response)
}

func TestRouteUnrecognizedIntentDegradesToCasual(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "banana"},
		{text: "hi there"},
	}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())

	result, err := svc.Route(context.Background(), testUser(), "hello", "", "en")
	require.NoError(t, err)

	assert.Equal(t, prompt.IntentCasual, result.Intent)
	assert.True(t, result.Degraded)
	assert.Equal(t, "hi there", result.Exchange.Response)
	// 空会话标识归一化为哨兵值
	assert.Equal(t, model.DefaultConversationID, result.Exchange.ConversationID)
}

func TestRouteClassifierOutputIsNormalized(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "  Summary \n"},
		{text: "you talked about Go"},
	}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())

	result, err := svc.Route(context.Background(), testUser(), "summarize", "conv-1", "en")
	require.NoError(t, err)
	assert.Equal(t, prompt.IntentSummary, result.Intent)
	assert.False(t, result.Degraded)
}

func TestRouteTotalOutageFallsBackToCannedReply(t *testing.T) {
	outage := errors.New("provider unavailable")
	client := &fakeLLM{replies: []scriptedReply{
		{err: outage},
		{err: outage},
	}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())

	result, err := svc.Route(context.Background(), testUser(), "hello", "conv-1", "ar")
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, prompt.IntentCasual, result.Intent)
	// 降级文案使用请求语言且非空
	assert.Equal(t, prompt.Fallback(prompt.IntentCasual, "ar"), result.Exchange.Response)
	assert.NotEmpty(t, result.Exchange.Response)
	// 降级回复同样落库
	require.Len(t, repo.exchanges, 1)
}

func TestRoutePersistenceFailurePropagates(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "casual"},
		{text: "hello"},
	}}
	repo := &fakeExchangeRepo{appendErr: errors.New("disk full")}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())

	_, err := svc.Route(context.Background(), testUser(), "hi", "conv-1", "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append exchange")
}

func TestRouteSummaryUpsertsSnapshot(t *testing.T) {
	repo := &fakeExchangeRepo{}
	// 预置两条历史交互供摘要拉取
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Append(context.Background(), &model.Exchange{
			UserID: 1, ConversationID: "conv-1", ModelName: "router-agent",
			Message: fmt.Sprintf("question %d", i), Response: fmt.Sprintf("answer %d", i),
			Language: "en", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	client := &fakeLLM{replies: []scriptedReply{
		{text: "summary"},
		{text: "you asked two questions"},
	}}
	summaryRepo := newFakeSummaryRepo()
	svc, _ := newTestChatService(client, repo, summaryRepo)

	result, err := svc.Route(context.Background(), testUser(), "summarize our chat", "conv-1", "en")
	require.NoError(t, err)

	assert.Equal(t, prompt.IntentSummary, result.Intent)
	assert.Equal(t, "you asked two questions", result.Exchange.Response)

	// 摘要快照已落库
	saved, err := summaryRepo.FindByUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "you asked two questions", saved.SummaryText)
	assert.Equal(t, "en", saved.Language)

	// 摘要提示词包含持久化历史，带时间戳与模型标识
	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1], "question 0")
	assert.Contains(t, client.prompts[1], "AI (router-agent): answer 1")
	assert.Contains(t, client.prompts[1], base.Format(time.RFC3339))
}

func TestRouteSummaryUpsertFailureFallsBack(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "summary"},
		{text: "a fine summary"},
	}}
	summaryRepo := newFakeSummaryRepo()
	summaryRepo.upsertErr = errors.New("db down")
	svc, _ := newTestChatService(client, &fakeExchangeRepo{}, summaryRepo)

	result, err := svc.Route(context.Background(), testUser(), "summarize", "conv-1", "en")
	require.NoError(t, err)
	// 快照写入失败时不把未持久化的摘要当作成功返回
	assert.Equal(t, prompt.Fallback(prompt.IntentSummary, "en"), result.Exchange.Response)
}

func TestRouteCasualUsesSessionContext(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "casual"},
		{text: "first reply"},
		{text: "casual"},
		{text: "second reply"},
	}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())
	user := testUser()

	_, err := svc.Route(context.Background(), user, "my name is Omar", "conv-1", "en")
	require.NoError(t, err)
	_, err = svc.Route(context.Background(), user, "what is my name", "conv-1", "en")
	require.NoError(t, err)

	// 第二轮的生成提示词携带第一轮的问答
	require.Len(t, client.prompts, 4)
	assert.Contains(t, client.prompts[3], "my name is Omar")
	assert.Contains(t, client.prompts[3], "first reply")
}

func TestSimpleChatRejectsUnsupportedModel(t *testing.T) {
	svc, _ := newTestChatService(&fakeLLM{}, &fakeExchangeRepo{}, newFakeSummaryRepo())

	_, err := svc.SimpleChat(context.Background(), testUser(), "hi", "gpt-99", "conv-1", "en")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestSimpleChatPersistsAndRemembers(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{
		{text: "nice to meet you"},
		{text: "your name is Omar"},
	}}
	repo := &fakeExchangeRepo{}
	svc, sessions := newTestChatService(client, repo, newFakeSummaryRepo())
	user := testUser()

	exchange, err := svc.SimpleChat(context.Background(), user, "I am Omar", "gpt-4", "conv-1", "en")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", exchange.ModelName)
	assert.Equal(t, "nice to meet you", exchange.Response)

	// 绑定按 (用户, 会话, 模型, 语言) 缓存
	assert.True(t, sessions.HasBinding(1, "conv-1", "gpt-4", "en"))

	// 第二轮的系统提示词包含第一轮历史
	_, err = svc.SimpleChat(context.Background(), user, "what is my name", "gpt-4", "conv-1", "en")
	require.NoError(t, err)
	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1], "Human: I am Omar")
	assert.Contains(t, client.prompts[1], "Assistant: nice to meet you")
}

func TestSimpleChatGenerationFailureReturnsError(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{{err: errors.New("provider down")}}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())

	_, err := svc.SimpleChat(context.Background(), testUser(), "hi", "", "conv-1", "en")
	require.Error(t, err)
	// 失败的交互不落库
	assert.Empty(t, repo.exchanges)
}

// chunkCollector 收集流式写入的分块。
type chunkCollector struct {
	chunks []string
}

func (c *chunkCollector) WriteMessage(messageType int, data []byte) error {
	c.chunks = append(c.chunks, string(data))
	return nil
}

func TestStreamSimpleChatWritesChunks(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{{text: "hey"}}}
	repo := &fakeExchangeRepo{}
	svc, _ := newTestChatService(client, repo, newFakeSummaryRepo())
	collector := &chunkCollector{}

	exchange, err := svc.StreamSimpleChat(context.Background(), testUser(), "hi", "", "conv-1", "en", collector)
	require.NoError(t, err)

	assert.Equal(t, []string{"h", "e", "y"}, collector.chunks)
	// 完整回答在流结束后一次性落库
	assert.Equal(t, "hey", exchange.Response)
	require.Len(t, repo.exchanges, 1)
	// 未指定模型时使用默认模型
	assert.Equal(t, "llama-3.1-8b", repo.exchanges[0].ModelName)
}

func TestClearMemoryEvictsSessionAndBindings(t *testing.T) {
	client := &fakeLLM{replies: []scriptedReply{{text: "hello"}}}
	svc, sessions := newTestChatService(client, &fakeExchangeRepo{}, newFakeSummaryRepo())
	user := testUser()

	_, err := svc.SimpleChat(context.Background(), user, "hi", "gpt-4", "conv-1", "en")
	require.NoError(t, err)
	require.NotEmpty(t, sessions.History(1, "conv-1"))

	svc.ClearMemory(1, "conv-1")

	assert.Empty(t, sessions.History(1, "conv-1"))
	assert.False(t, sessions.HasBinding(1, "conv-1", "gpt-4", "en"))
}
