package evidence

import "strings"

// Intents recognized by the collector and the scoring filter.
const (
	IntentWeather     = "weather"
	IntentHealth      = "health"
	IntentLearn       = "learn"
	IntentPlan        = "plan"
	IntentKnowledgeQA = "knowledge_qa"
	IntentGeneral     = "general"
)

var intentKeywords = map[string][]string{
	IntentWeather: {"weather", "天気", "天候", "forecast", "rain", "雨", "晴れ"},
	IntentHealth:  {"health", "疲れ", "体調", "睡眠", "運動", "回復", "tired", "sleep"},
	IntentLearn:   {"learn", "study", "勉強", "学習", "読む", "練習"},
	IntentPlan:    {"plan", "計画", "予定", "スケジュール", "段取り", "roadmap"},
}

var knowledgeQAPrefixes = []string{
	"what is", "what are", "who is", "when did", "where is", "why does", "how does",
	"とは", "what's",
}

// DetectIntent classifies a query into one of the coarse intents. Weather
// wins ties because its evidence rules are the most specific.
func DetectIntent(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return IntentGeneral
	}

	for _, intent := range []string{IntentWeather, IntentHealth, IntentLearn, IntentPlan} {
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(q, kw) {
				return intent
			}
		}
	}

	for _, prefix := range knowledgeQAPrefixes {
		if strings.HasPrefix(q, prefix) || strings.Contains(q, prefix) {
			return IntentKnowledgeQA
		}
	}
	return IntentGeneral
}
