// Package memory 实现了进程内的会话上下文缓存。
// 缓存按 (userID, conversationID) 维护最近的问答轮次，为生成提供有界上下文。
// 缓存是易失的：进程重启后丢失，只影响对话连贯性，不影响已存储的历史。
package memory

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/pkg/log"
)

// maxTurnsPerSession 限制单个会话保留的轮次数，与持久层"保留最近 20 条"的口径一致。
const maxTurnsPerSession = 20

// Binding 是简单对话路径按 (userID, conversationID, model, locale) 缓存的派生状态，
// 随所属会话一起被逐出。
type Binding struct {
	ModelName string
	Locale    string
	CreatedAt time.Time
}

// session 是单个会话的记忆条目。turns 的读改写由条目自身的互斥锁保护，
// 不同会话之间完全并行。
type session struct {
	mu    sync.Mutex
	turns []model.Turn
	elem  *list.Element // 在 LRU 链表中的位置
}

// Manager 管理所有会话记忆条目及其派生绑定。
// 条目在首次访问时惰性创建，通过显式逐出或 LRU 上限销毁。
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*session
	bindings    map[string]*Binding
	lru         *list.List // 元素值为会话 key，最近使用的在前
	maxSessions int
}

// NewManager 创建一个新的会话记忆管理器。
// maxSessions 是进程内保留的会话条目上限，超出后按 LRU 逐出。
func NewManager(maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &Manager{
		sessions:    make(map[string]*session),
		bindings:    make(map[string]*Binding),
		lru:         list.New(),
		maxSessions: maxSessions,
	}
}

// Key 返回会话记忆的键。空 conversationID 归一化为哨兵值。
func Key(userID uint, conversationID string) string {
	if conversationID == "" {
		conversationID = model.DefaultConversationID
	}
	return fmt.Sprintf("%d-%s", userID, conversationID)
}

// getOrCreate 查找或创建会话条目，并把它移到 LRU 前端。调用方不得持有 m.mu。
func (m *Manager) getOrCreate(key string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		m.lru.MoveToFront(s.elem)
		return s
	}

	s := &session{}
	s.elem = m.lru.PushFront(key)
	m.sessions[key] = s
	log.Debugf("Created new session memory for key %s", key)

	// 超出容量时逐出最久未使用的会话及其绑定
	for m.lru.Len() > m.maxSessions {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		m.removeLocked(oldKey)
		log.Infof("Session memory evicted by LRU: %s", oldKey)
	}
	return s
}

// History 返回会话当前记忆的轮次副本，最近的在末尾。
func (m *Manager) History(userID uint, conversationID string) []model.Turn {
	s := m.getOrCreate(Key(userID, conversationID))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Append 将一轮问答追加到会话记忆，超出轮次上限时丢弃最旧的轮次。
func (m *Manager) Append(userID uint, conversationID string, turn model.Turn) {
	s := m.getOrCreate(Key(userID, conversationID))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	if len(s.turns) > maxTurnsPerSession {
		s.turns = s.turns[len(s.turns)-maxTurnsPerSession:]
	}
}

// Evict 删除会话记忆条目，以及所有共享同一 (userID, conversationID) 前缀的派生绑定。
func (m *Manager) Evict(userID uint, conversationID string) {
	key := Key(userID, conversationID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	log.Infof("Cleared session memory for key %s", key)
}

// removeLocked 删除指定 key 的会话与其前缀绑定。调用方必须持有 m.mu。
func (m *Manager) removeLocked(key string) {
	if s, ok := m.sessions[key]; ok {
		m.lru.Remove(s.elem)
		delete(m.sessions, key)
	}
	prefix := key + "-"
	for bkey := range m.bindings {
		if strings.HasPrefix(bkey, prefix) {
			delete(m.bindings, bkey)
		}
	}
}

// GetOrCreateBinding 查找或创建一个按 (userID, conversationID, model, locale)
// 缓存的对话绑定，同时确保所属会话条目存在。
func (m *Manager) GetOrCreateBinding(userID uint, conversationID, modelName, locale string) *Binding {
	m.getOrCreate(Key(userID, conversationID))

	bkey := fmt.Sprintf("%s-%s-%s", Key(userID, conversationID), modelName, locale)
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[bkey]; ok {
		return b
	}
	b := &Binding{ModelName: modelName, Locale: locale, CreatedAt: time.Now()}
	m.bindings[bkey] = b
	log.Debugf("Created new conversation binding %s", bkey)
	return b
}

// HasBinding 判断指定绑定是否仍在缓存中。
func (m *Manager) HasBinding(userID uint, conversationID, modelName, locale string) bool {
	bkey := fmt.Sprintf("%s-%s-%s", Key(userID, conversationID), modelName, locale)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[bkey]
	return ok
}

// Stats 返回当前缓存的会话数与绑定数。
func (m *Manager) Stats() (sessions int, bindings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), len(m.bindings)
}

// BuildContext 将轮次拼接为提供给生成服务的上下文文本。
// 从最旧的一侧整轮截断以满足字符预算，绝不截断半轮；预算为 0 时返回空串。
func BuildContext(turns []model.Turn, budget int) string {
	if budget <= 0 || len(turns) == 0 {
		return ""
	}

	rendered := make([]string, len(turns))
	for i, t := range turns {
		rendered[i] = "User: " + t.Message + "\nAI: " + t.Response
	}

	total := 0
	start := len(rendered)
	for i := len(rendered) - 1; i >= 0; i-- {
		size := len([]rune(rendered[i]))
		if total+size > budget {
			break
		}
		total += size
		start = i
	}

	return strings.Join(rendered[start:], "\n\n")
}

// RenderHistory 将轮次渲染为简单对话系统模板使用的历史文本。
func RenderHistory(turns []model.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Human: " + t.Message + "\nAssistant: " + t.Response)
	}
	return b.String()
}
