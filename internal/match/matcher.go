package match

import "strings"

type Strategy string

const (
	StrategyNone       Strategy = ""
	StrategyExact      Strategy = "exact"
	StrategyStructured Strategy = "structured"
	StrategyName       Strategy = "name"
)

// Entity is a local entity (usually an employee) that external records may be
// linked to.
type Entity struct {
	ID          string
	Name        string
	Email       string
	ExternalIDs []string
}

// Candidate is the multi-field view of one external record used for scoring.
type Candidate struct {
	Email  string
	Tokens []string
}

type Result struct {
	Entity   Entity
	Score    int
	Strategy Strategy
}

// Policy is the scoring policy shared by all integrations.
type Policy struct {
	ExactScore      int
	StructuredScore int
	NameBaseScore   int
	NameTokenScore  int
	// MinScore is exclusive: a best score must exceed it to count as a match.
	MinScore int
}

func DefaultPolicy() Policy {
	return Policy{
		ExactScore:      100,
		StructuredScore: 90,
		NameBaseScore:   50,
		NameTokenScore:  10,
		MinScore:        0,
	}
}

type Matcher struct {
	policy Policy
}

func NewMatcher(policy Policy) *Matcher {
	return &Matcher{policy: policy}
}

// MatchEntity scores c against every entity and returns the best one. An exact
// identity match stops the scan. Ties keep the first entity that reached the
// score.
func (m *Matcher) MatchEntity(c Candidate, entities []Entity) (Result, bool) {
	best := Result{}

	for _, e := range entities {
		score, strategy := m.Score(c, e)
		if score > best.Score {
			best = Result{Entity: e, Score: score, Strategy: strategy}
		}
		if strategy == StrategyExact {
			break
		}
	}

	if best.Score <= m.policy.MinScore {
		return Result{}, false
	}

	return best, true
}

// Score applies the exact, structured and name rules in order and returns the
// first that applies.
func (m *Matcher) Score(c Candidate, e Entity) (int, Strategy) {
	if c.Email != "" && e.Email != "" &&
		strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(e.Email)) {
		return m.policy.ExactScore, StrategyExact
	}

	if len(c.Tokens) == 0 {
		return 0, StrategyNone
	}

	for _, extID := range e.ExternalIDs {
		idTokens := Tokens(extID)
		if len(idTokens) == 0 {
			continue
		}
		entityCovered, _ := coverage(idTokens, c.Tokens)
		candidateCovered, _ := coverage(c.Tokens, idTokens)
		if entityCovered && candidateCovered {
			return m.policy.StructuredScore, StrategyStructured
		}
	}

	nameTokens := Tokens(e.Name)
	if len(nameTokens) == 0 {
		return 0, StrategyNone
	}

	entityCovered, matchedEntity := coverage(nameTokens, c.Tokens)
	_, matchedCandidate := coverage(c.Tokens, nameTokens)
	if entityCovered && matchedCandidate > 0 {
		return m.policy.NameBaseScore +
			m.policy.NameTokenScore*matchedEntity +
			m.policy.NameTokenScore*matchedCandidate, StrategyName
	}

	return 0, StrategyNone
}

// coverage reports whether every token in from is Similar to some token in
// against, and how many of them are.
func coverage(from, against []string) (bool, int) {
	matched := 0
	for _, f := range from {
		for _, a := range against {
			if Similar(f, a) {
				matched += 1
				break
			}
		}
	}
	return matched == len(from), matched
}
