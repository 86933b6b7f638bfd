package coordinator

import "github.com/basket/feishugate/internal/config"

// evaluatePolicy applies the group/sender/DM allowlist and requireMention
// gate described in §4.4 step 4, as simple config-driven predicates —
// nothing else in this repo needs a general rule evaluator (see DESIGN.md).
func evaluatePolicy(p config.PolicyConfig, chatID, chatType, senderID string, mentionedBot bool) bool {
	if chatType == "direct" {
		return allowlistPasses(p.DMAllowlist, chatID)
	}

	if !allowlistPasses(p.GroupAllowlist, chatID) {
		return false
	}

	group := findGroupPolicy(p.Groups, chatID)
	if group != nil {
		if !allowlistPasses(group.SenderAllowlist, senderID) {
			return false
		}
		if group.RequireMention && !mentionedBot {
			return false
		}
	}
	return true
}

func allowlistPasses(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == id {
			return true
		}
	}
	return false
}

func findGroupPolicy(groups []config.GroupPolicyConfig, chatID string) *config.GroupPolicyConfig {
	for i := range groups {
		if groups[i].ChatID == chatID {
			return &groups[i]
		}
	}
	return nil
}
