package fetcher

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// RobotsChecker answers whether crawl policy allows us to fetch a path.
// Missing or unreadable robots.txt counts as allowed, an explicit
// disallow of our agent is terminal for the source.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
}

func NewRobotsChecker(client *http.Client, userAgent string) *RobotsChecker {
	return &RobotsChecker{client: client, userAgent: userAgent}
}

func (r *RobotsChecker) Allowed(ctx context.Context, target string) (bool, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return false, errors.Wrapf(err, "failed to parse target url: %s", target)
	}

	robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to create robots request")
	}

	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		// Unreachable policy file never blocks acquisition
		return true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	groups := parseRobots(io.LimitReader(resp.Body, 512<<10))

	return groups.allowed(r.agentToken(), path), nil
}

// agentToken is the product part of the user agent, robots groups match
// on it case-insensitively
func (r *RobotsChecker) agentToken() string {
	token := r.userAgent
	if idx := strings.IndexByte(token, '/'); idx > 0 {
		token = token[:idx]
	}

	return strings.ToLower(strings.TrimSpace(token))
}

type robotsRule struct {
	allow  bool
	prefix string
}

type robotsGroup struct {
	agents []string
	rules  []robotsRule
}

type robotsFile []robotsGroup

func parseRobots(body io.Reader) robotsFile {
	var (
		groups  robotsFile
		current *robotsGroup
		scanner = bufio.NewScanner(body)

		// Consecutive user-agent lines share one group, a rule line
		// closes the agent list
		sawRule = true
	)

	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}

		field := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])

		switch field {
		case "user-agent":
			if sawRule {
				groups = append(groups, robotsGroup{})
				current = &groups[len(groups)-1]
				sawRule = false
			}

			current.agents = append(current.agents, strings.ToLower(value))
		case "allow", "disallow":
			if current == nil {
				continue
			}

			sawRule = true

			// "Disallow:" with an empty value allows everything
			if value == "" {
				continue
			}

			current.rules = append(current.rules, robotsRule{
				allow:  field == "allow",
				prefix: value,
			})
		}
	}

	return groups
}

func (f robotsFile) allowed(agent, path string) bool {
	group := f.match(agent)
	if group == nil {
		return true
	}

	// Longest matching prefix wins, allow on length ties
	var (
		best    robotsRule
		bestLen = -1
	)

	for _, r := range group.rules {
		if !strings.HasPrefix(path, r.prefix) {
			continue
		}

		if len(r.prefix) > bestLen || (len(r.prefix) == bestLen && r.allow) {
			best = r
			bestLen = len(r.prefix)
		}
	}

	if bestLen < 0 {
		return true
	}

	return best.allow
}

// match prefers a group naming our agent over the wildcard group
func (f robotsFile) match(agent string) *robotsGroup {
	var wildcard *robotsGroup

	for i := range f {
		for _, a := range f[i].agents {
			if a == agent {
				return &f[i]
			}

			if a == "*" && wildcard == nil {
				wildcard = &f[i]
			}
		}
	}

	return wildcard
}
