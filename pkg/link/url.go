package link

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Type tells how a user-supplied identifier should be resolved
type Type string

const (
	// TypeChannelID is a raw UC... channel identifier
	TypeChannelID = Type("channel_id")
	// TypeHandle is an @handle
	TypeHandle = Type("handle")
	// TypeUser is a legacy /user/ name
	TypeUser = Type("user")
	// TypeSite is a generic website URL
	TypeSite = Type("site")
	// TypeQuery is free text, resolvable only through search
	TypeQuery = Type("query")
)

type Info struct {
	Type Type
	// ID is the extracted identifier: channel ID, handle (without @),
	// user name, normalized site URL or the raw search query
	ID string
}

var channelIDRe = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)

// Parse classifies a user-supplied identifier. URLs, handles and
// channel-ID shaped tokens are explicit: they resolve by that exact
// identifier or not at all. Only free text becomes a search query.
func Parse(identifier string) (Info, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Info{}, errors.New("empty identifier")
	}

	if strings.HasPrefix(identifier, "@") {
		handle := strings.TrimPrefix(identifier, "@")
		if handle == "" {
			return Info{}, errors.New("invalid handle")
		}

		return Info{Type: TypeHandle, ID: handle}, nil
	}

	if channelIDRe.MatchString(identifier) {
		return Info{Type: TypeChannelID, ID: identifier}, nil
	}

	if looksLikeURL(identifier) {
		parsed, err := parseURL(identifier)
		if err != nil {
			return Info{}, err
		}

		if strings.HasSuffix(parsed.Host, "youtube.com") {
			return parseYoutubeURL(parsed)
		}

		normalized, err := Normalize(parsed.String())
		if err != nil {
			return Info{}, err
		}

		return Info{Type: TypeSite, ID: normalized}, nil
	}

	return Info{Type: TypeQuery, ID: identifier}, nil
}

// Normalize canonicalizes a URL for uniqueness checks: scheme and host
// are lowercased, default ports, fragments, tracking params and the
// trailing slash are dropped.
func Normalize(link string) (string, error) {
	parsed, err := parseURL(link)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.Scheme == "http" {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	} else if parsed.Scheme == "https" {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}

	query := parsed.Query()
	for param := range query {
		if strings.HasPrefix(param, "utm_") || param == "fbclid" || param == "gclid" {
			query.Del(param)
		}
	}
	parsed.RawQuery = query.Encode()

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

func looksLikeURL(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return true
	}

	// Bare host names like "example.com/blog"
	host := s
	if idx := strings.IndexByte(s, '/'); idx > 0 {
		host = s[:idx]
	}

	return strings.Contains(host, ".") && !strings.ContainsAny(host, " \t")
}

func parseURL(link string) (*url.URL, error) {
	if !strings.HasPrefix(strings.ToLower(link), "http") {
		link = "https://" + link
	}

	parsed, err := url.Parse(link)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse url: %s", link)
	}

	if parsed.Host == "" {
		return nil, errors.Errorf("url without host: %s", link)
	}

	return parsed, nil
}

func parseYoutubeURL(parsed *url.URL) (Info, error) {
	path := parsed.EscapedPath()

	// - https://www.youtube.com/channel/UC5XPnUk8Vvv_pWslhwom6Og
	// - https://www.youtube.com/channel/UCrlakW-ewUT8sOod6Wmzyow/videos
	if strings.HasPrefix(path, "/channel/") {
		id := pathSegment(path, 2)
		if id == "" {
			return Info{}, errors.New("invalid youtube channel link")
		}

		return Info{Type: TypeChannelID, ID: id}, nil
	}

	// - https://www.youtube.com/user/fxigr1
	if strings.HasPrefix(path, "/user/") {
		id := pathSegment(path, 2)
		if id == "" {
			return Info{}, errors.New("invalid youtube user link")
		}

		return Info{Type: TypeUser, ID: id}, nil
	}

	// - https://www.youtube.com/@NASA
	if strings.HasPrefix(path, "/@") {
		handle := strings.TrimPrefix(pathSegment(path, 1), "@")
		if handle == "" {
			return Info{}, errors.New("invalid youtube handle link")
		}

		return Info{Type: TypeHandle, ID: handle}, nil
	}

	// - https://www.youtube.com/c/NASA (custom URLs resolve like handles)
	if strings.HasPrefix(path, "/c/") {
		id := pathSegment(path, 2)
		if id == "" {
			return Info{}, errors.New("invalid youtube custom link")
		}

		return Info{Type: TypeHandle, ID: id}, nil
	}

	return Info{}, errors.New("unsupported youtube link format")
}

func pathSegment(path string, n int) string {
	parts := strings.Split(path, "/")
	if len(parts) <= n {
		return ""
	}

	return parts[n]
}
