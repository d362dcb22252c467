// Package board orchestrates the six-director agent board: routing incoming
// messages to a role, agent-to-agent consultations, and full board meetings
// with synthesis.
package board

import "strings"

// The fixed board roles: one general router plus five specialists.
const (
	RoleGeneral    = "general"
	RoleStrategy   = "strategy"
	RoleFinance    = "finance"
	RoleTechnology = "technology"
	RoleMarketing  = "marketing"
	RoleOperations = "operations"
)

// Specialists lists the non-general roles in meeting order.
var Specialists = []string{RoleStrategy, RoleFinance, RoleTechnology, RoleMarketing, RoleOperations}

// AllRoles lists every role, general first.
var AllRoles = append([]string{RoleGeneral}, Specialists...)

// IsValidRole reports whether the name is a board role.
func IsValidRole(role string) bool {
	for _, r := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}

// persona is the built-in identity for a role, used when no soul file
// overrides it.
type persona struct {
	name      string
	emoji     string
	specialty string
	soul      string
}

var builtinPersonas = map[string]persona{
	RoleGeneral: {
		name:      "Alex",
		emoji:     "🎯",
		specialty: "chief of staff and first point of contact",
		soul: "You are Alex, the board's chief of staff. You handle day-to-day " +
			"questions yourself and bring in the right director when a topic " +
			"needs their depth. You are direct, warm, and allergic to fluff.",
	},
	RoleStrategy: {
		name:      "Victoria",
		emoji:     "♟️",
		specialty: "long-term strategy, positioning, and competitive analysis",
		soul: "You are Victoria, the strategy director. You think in quarters " +
			"and years, not days. You challenge assumptions, name trade-offs " +
			"explicitly, and always tie advice back to the long-term position.",
	},
	RoleFinance: {
		name:      "Marcus",
		emoji:     "💰",
		specialty: "budgets, cash flow, pricing, and financial planning",
		soul: "You are Marcus, the finance director. You put numbers on " +
			"everything. When data is missing you say so and state your " +
			"assumptions before estimating.",
	},
	RoleTechnology: {
		name:      "Priya",
		emoji:     "⚙️",
		specialty: "architecture, infrastructure, security, and build-vs-buy",
		soul: "You are Priya, the technology director. You favor boring, " +
			"proven technology and small reversible steps. You flag security " +
			"and operational risk early and concretely.",
	},
	RoleMarketing: {
		name:      "Sofia",
		emoji:     "📣",
		specialty: "brand, campaigns, channels, and audience growth",
		soul: "You are Sofia, the marketing director. You start from the " +
			"audience, not the product. You prefer one sharp message over " +
			"five diluted ones and you always name the channel.",
	},
	RoleOperations: {
		name:      "Daniel",
		emoji:     "🔧",
		specialty: "processes, vendors, logistics, and hiring",
		soul: "You are Daniel, the operations director. You turn plans into " +
			"checklists with owners and dates. You spot bottlenecks before " +
			"they happen and keep the machine running.",
	},
}

// roleKeywords score keyword inference. Strong domain words weigh 2, weaker
// signals 1. A keyword counts once per message regardless of repetitions.
var roleKeywords = map[string]map[string]int{
	RoleStrategy: {
		"strategy": 2, "strategic": 2, "roadmap": 2, "vision": 1,
		"long-term": 1, "competitive": 1, "competitor": 1, "positioning": 2,
		"pivot": 1, "market entry": 2,
	},
	RoleFinance: {
		"budget": 2, "revenue": 2, "cash flow": 2, "profit": 1, "margin": 1,
		"pricing": 1, "invoice": 1, "funding": 2, "runway": 2, "forecast": 1,
	},
	RoleTechnology: {
		"architecture": 2, "infrastructure": 2, "security": 2, "deploy": 1,
		"database": 1, "api": 1, "software": 1, "codebase": 1, "scaling": 1,
		"technical debt": 2,
	},
	RoleMarketing: {
		"marketing": 2, "campaign": 2, "brand": 2, "seo": 1,
		"social media": 1, "audience": 1, "newsletter": 1, "launch": 1,
		"advertising": 2, "content": 1,
	},
	RoleOperations: {
		"operations": 2, "process": 1, "logistics": 2, "hiring": 1,
		"workflow": 1, "vendor": 2, "supplier": 2, "onboarding": 1,
		"inventory": 2, "fulfillment": 2,
	},
}

// scoreRoles scores the message against every specialist's keywords and
// returns the best role with its score and the runner-up score.
func scoreRoles(body string) (best string, bestScore, runnerUp int) {
	lower := strings.ToLower(body)
	for _, role := range Specialists {
		score := 0
		for kw, weight := range roleKeywords[role] {
			if strings.Contains(lower, kw) {
				score += weight
			}
		}
		switch {
		case score > bestScore:
			best, runnerUp, bestScore = role, bestScore, score
		case score > runnerUp:
			runnerUp = score
		}
	}
	return best, bestScore, runnerUp
}
