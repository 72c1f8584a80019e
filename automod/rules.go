package automod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"discord-automod/model"

	"github.com/dlclark/regexp2"
)

const (
	// DefaultWindow applies to frequency rules stored without a window.
	DefaultWindow = 10 * time.Second

	defaultCapsThreshold = 70
	maxPatternLength     = 200
)

// evaluatorFunc checks one message against one compiled rule. A nil
// violation means no match.
type evaluatorFunc func(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error)

var evaluators = map[model.RuleType]evaluatorFunc{
	model.RuleSpam:        evalSpam,
	model.RuleChannelSpam: evalChannelSpam,
	model.RuleMentionSpam: evalMentionSpam,
	model.RuleCaps:        evalCaps,
	model.RuleInvite:      evalInvite,
	model.RuleLink:        evalLink,
	model.RuleKeyword:     evalKeyword,
	model.RuleRegex:       evalRegex,
}

// compiledRule is a rule with its pattern parsed once per cache load.
type compiledRule struct {
	model.Rule

	actions model.ActionList
	terms   []string
	re      *regexp2.Regexp
	allow   []string
	eval    evaluatorFunc
}

var errNoActions = errors.New("rule has no actions")

// compileRule validates a stored rule and prepares its matcher. A rule that
// fails here is skipped for the whole cache lifetime.
func compileRule(r model.Rule, regexTimeout time.Duration) (*compiledRule, error) {
	eval, ok := evaluators[r.Type]
	if !ok {
		return nil, fmt.Errorf("rule %d: unknown rule type %q", r.ID, r.Type)
	}
	actions, err := model.ParseActions(r.Actions.Strings())
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("rule %d: %w", r.ID, errNoActions)
	}

	c := &compiledRule{Rule: r, actions: actions, eval: eval}
	switch r.Type {
	case model.RuleSpam, model.RuleChannelSpam, model.RuleMentionSpam:
		if r.Threshold <= 0 {
			return nil, fmt.Errorf("rule %d: %s needs a positive threshold", r.ID, r.Type)
		}
	case model.RuleCaps:
		if c.Threshold <= 0 || c.Threshold > 100 {
			c.Threshold = defaultCapsThreshold
		}
	case model.RuleKeyword:
		c.terms = splitList(r.Pattern)
		if len(c.terms) == 0 {
			return nil, fmt.Errorf("rule %d: keyword rule has no terms", r.ID)
		}
	case model.RuleRegex:
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", r.ID)
		}
		if utf8.RuneCountInString(r.Pattern) > maxPatternLength {
			return nil, fmt.Errorf("rule %d: pattern longer than %d characters", r.ID, maxPatternLength)
		}
		re, err := regexp2.Compile(r.Pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile pattern: %w", r.ID, err)
		}
		re.MatchTimeout = regexTimeout
		c.re = re
	case model.RuleInvite, model.RuleLink:
		c.allow = splitList(r.Pattern)
	}
	return c, nil
}

// splitList turns a comma separated pattern into lower-cased, trimmed terms.
func splitList(pattern string) []string {
	var out []string
	for _, part := range strings.Split(pattern, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *compiledRule) threshold() int {
	if r.Threshold <= 0 {
		return 1
	}
	return r.Threshold
}
