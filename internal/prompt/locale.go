// Package prompt 管理按语言划分的提示词模板、降级文案与默认标题。
package prompt

import "marhaba-chat-go/pkg/log"

// 支持的语言标识。
const (
	LocaleEN = "en"
	LocaleAR = "ar"
)

// NormalizeLocale 将任意语言标识归一化为受支持的语言。
// 不支持的语言回退到英文并记录告警。
func NormalizeLocale(locale string) string {
	switch locale {
	case LocaleEN, LocaleAR:
		return locale
	case "":
		return LocaleEN
	default:
		log.Warnf("Unsupported language: %s, defaulting to English", locale)
		return LocaleEN
	}
}

// Intent 表示一次消息被分类出的意图。
type Intent string

const (
	IntentCasual    Intent = "casual"
	IntentTechnical Intent = "technical"
	IntentSummary   Intent = "summary"
	IntentHelp      Intent = "help"
)

// ParseIntent 将分类器输出（已小写并去除首尾空白）映射为意图。
// 无法识别的值映射为 casual，ok 返回 false，调用方据此记录降级信号。
func ParseIntent(s string) (intent Intent, ok bool) {
	switch Intent(s) {
	case IntentCasual, IntentTechnical, IntentSummary, IntentHelp:
		return Intent(s), true
	default:
		return IntentCasual, false
	}
}
