package automod

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"discord-automod/model"
)

const (
	capsMinLength  = 10
	capsMinLetters = 10
)

var (
	inviteRegex = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:discord(?:app)?\.com/invite|discord\.gg|discord\.me|discord\.io|dsc\.gg)/([a-z0-9-]+)`)
	linkRegex   = regexp.MustCompile(`(?i)https?://([^\s/?#<>"']+)[^\s<>"']*`)
)

// platformDomains are never reported by the link rule.
var platformDomains = []string{
	"discord.com",
	"discord.gg",
	"discordapp.com",
	"discordapp.net",
	"discord.media",
	"discordcdn.com",
}

// evalCaps matches when the share of upper-case letters reaches the threshold.
func evalCaps(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	if utf8.RuneCountInString(msg.Content) < capsMinLength {
		return nil, nil
	}
	letters, upper := 0, 0
	for _, ch := range msg.Content {
		if !unicode.IsLetter(ch) {
			continue
		}
		letters++
		if unicode.IsUpper(ch) {
			upper++
		}
	}
	if letters < capsMinLetters {
		return nil, nil
	}
	pct := float64(upper) * 100 / float64(letters)
	if pct < float64(r.Threshold) {
		return nil, nil
	}
	return &model.Violation{
		Type: model.RuleCaps,
		Details: model.Evidence{
			"percent":   int(pct),
			"letters":   letters,
			"threshold": r.Threshold,
		},
	}, nil
}

// evalInvite counts invite links whose code is not allow-listed.
func evalInvite(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	var codes []string
	for _, m := range inviteRegex.FindAllStringSubmatch(msg.Content, -1) {
		code := strings.ToLower(m[1])
		if contains(r.allow, code) {
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 || len(codes) < r.threshold() {
		return nil, nil
	}
	return &model.Violation{
		Type:    model.RuleInvite,
		Details: model.Evidence{"count": len(codes), "codes": codes},
	}, nil
}

// evalLink counts links to hosts outside the platform and the allow-list.
func evalLink(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	var hosts []string
	for _, m := range linkRegex.FindAllStringSubmatch(msg.Content, -1) {
		host := normalizeHost(m[1])
		if host == "" || matchesDomain(host, platformDomains) || matchesDomain(host, r.allow) {
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 || len(hosts) < r.threshold() {
		return nil, nil
	}
	return &model.Violation{
		Type:    model.RuleLink,
		Details: model.Evidence{"count": len(hosts), "hosts": hosts},
	}, nil
}

// evalKeyword matches any configured term as a case-insensitive substring.
func evalKeyword(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	content := strings.ToLower(msg.Content)
	for _, term := range r.terms {
		if strings.Contains(content, term) {
			return &model.Violation{
				Type:    model.RuleKeyword,
				Details: model.Evidence{"term": term},
			}, nil
		}
	}
	return nil, nil
}

// evalRegex runs the stored pattern with a match timeout. A timeout is an
// evaluation error, never a match.
func evalRegex(ctx context.Context, e *Evaluator, r *compiledRule, msg *model.Message) (*model.Violation, error) {
	if r.re == nil {
		return nil, fmt.Errorf("rule %d: pattern not compiled", r.ID)
	}
	m, err := r.re.FindStringMatch(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("rule %d: match pattern: %w", r.ID, err)
	}
	if m == nil {
		return nil, nil
	}
	return &model.Violation{
		Type:    model.RuleRegex,
		Details: model.Evidence{"match": truncate(m.String(), 100)},
	}, nil
}

func normalizeHost(raw string) string {
	host := strings.ToLower(raw)
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// matchesDomain reports whether host is one of domains or a subdomain of one.
func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.TrimPrefix(d, "www.")
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
