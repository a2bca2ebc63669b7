// Package pagemeta turns a page's Open Graph metadata into typed
// records. Both the plain and the headless fetcher feed it.
package pagemeta

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmathers/gramscrape/internal/scrape"
)

// Meta accumulates the metadata tags seen while parsing a page.
// Collectors may invoke callbacks from their own goroutines, so
// writes are guarded.
type Meta struct {
	mu    sync.Mutex
	tags  map[string]string
	title string
}

// New returns an empty Meta.
func New() *Meta {
	return &Meta{tags: map[string]string{}}
}

// Set records a meta tag. The first value seen for a key wins.
func (m *Meta) Set(key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.tags[key]; !seen {
		m.tags[key] = content
	}
}

// SetTitle records the page title.
func (m *Meta) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.title = strings.TrimSpace(title)
}

// Get returns the recorded value for a meta key.
func (m *Meta) Get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tags[key]
}

var (
	// "1,234 Likes, 56 Comments - Jane Doe (@jdoe) on Instagram: "caption""
	postStatsPattern = regexp.MustCompile(`(?i)([\d.,KM]+)\s+likes?,\s+([\d.,KM]+)\s+comments?`)
	postOwnerPattern = regexp.MustCompile(`@([A-Za-z0-9._]+)`)
	captionPattern   = regexp.MustCompile(`(?s)on Instagram:\s*["\x{201c}](.+)["\x{201d}]\s*$`)

	// "123 Followers, 45 Following, 67 Posts - See Instagram photos..."
	profileStatsPattern = regexp.MustCompile(`(?i)([\d.,KM]+)\s+followers?,\s+([\d.,KM]+)\s+following,\s+([\d.,KM]+)\s+posts?`)
	profileNamePattern  = regexp.MustCompile(`^(.*?)\s*\(@([A-Za-z0-9._]+)\)`)

	hashtagPattern = regexp.MustCompile(`#([^\s]+)`)
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._]+)`)
)

// BuildRecord converts the collected metadata into a typed record for
// the target's kind. Pages missing Open Graph metadata entirely are
// treated as unparseable.
func (m *Meta) BuildRecord(target scrape.Target, pageURL string) (*scrape.Record, error) {
	description := m.Get("og:description")
	ogTitle := m.Get("og:title")
	if description == "" && ogTitle == "" && m.Get("og:image") == "" {
		return nil, errors.New("page carries no open graph metadata")
	}

	record := &scrape.Record{
		Type:      target.Kind,
		URL:       pageURL,
		ScrapedAt: time.Now().UTC(),
	}
	switch target.Kind {
	case scrape.KindPost:
		m.fillPost(record, target, ogTitle, description)
	case scrape.KindProfile:
		m.fillProfile(record, target, ogTitle, description)
	case scrape.KindHashtag:
		record.Name = target.ID
		if match := postStatsPattern.FindStringSubmatch(description); match != nil {
			record.PostCount = ParseCount(match[2])
		}
	case scrape.KindPlace:
		record.PlaceID = target.ID
		record.PlaceName = strings.TrimSpace(strings.SplitN(ogTitle, "•", 2)[0])
	}
	return record, nil
}

func (m *Meta) fillPost(record *scrape.Record, target scrape.Target, ogTitle, description string) {
	record.Shortcode = target.ID
	if match := postStatsPattern.FindStringSubmatch(description); match != nil {
		record.Likes = ParseCount(match[1])
		record.CommentCount = ParseCount(match[2])
	}
	if match := postOwnerPattern.FindStringSubmatch(description); match != nil {
		record.Owner = &scrape.Owner{Username: match[1]}
	} else if match := postOwnerPattern.FindStringSubmatch(ogTitle); match != nil {
		record.Owner = &scrape.Owner{Username: match[1]}
	}
	if match := captionPattern.FindStringSubmatch(description); match != nil {
		record.Caption = strings.TrimSpace(match[1])
	}
	record.Hashtags = collectMatches(hashtagPattern, record.Caption)
	record.Mentions = collectMatches(mentionPattern, record.Caption)

	record.IsVideo = m.Get("og:type") == "video" || m.Get("og:video") != ""
	if image := m.Get("og:image"); image != "" {
		mediaType := "image"
		mediaURL := image
		if video := m.Get("og:video"); video != "" {
			mediaType = "video"
			mediaURL = video
		}
		record.Media = append(record.Media, scrape.MediaItem{
			Type:      mediaType,
			URL:       mediaURL,
			Thumbnail: image,
		})
	}
}

func (m *Meta) fillProfile(record *scrape.Record, target scrape.Target, ogTitle, description string) {
	record.Username = target.ID
	if match := profileNamePattern.FindStringSubmatch(ogTitle); match != nil {
		record.FullName = strings.TrimSpace(match[1])
		record.Username = match[2]
	}
	if match := profileStatsPattern.FindStringSubmatch(description); match != nil {
		record.Followers = ParseCount(match[1])
		record.Following = ParseCount(match[2])
		record.PostCount = ParseCount(match[3])
	}
	if idx := strings.Index(description, " - "); idx >= 0 {
		record.Biography = strings.TrimSpace(description[idx+3:])
	}
	record.ProfilePicURL = m.Get("og:image")
	record.IsPrivate = strings.Contains(strings.ToLower(description), "private")
}

func collectMatches(re *regexp.Regexp, text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, match[1])
	}
	return out
}

// ParseCount reads counts the way pages render them: "1,234", "5.6K",
// "2M".
func ParseCount(s string) int {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1_000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(v * mult)
}
