package loot

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoMatch is returned for lines that are not loot messages.
var ErrNoMatch = errors.New("loot: line is not a loot message")

// Event kinds.
const (
	KindItem    = "item"
	KindCredits = "credits"
)

// Event is one parsed loot line.
type Event struct {
	Time      time.Time // zero when the line carried no timestamp
	Kind      string
	Character string // set for group loot lines only
	Item      string
	Quantity  int64
	Source    string
	Raw       string
}

var (
	// [HH:MM:SS] chat prefix
	timestampRegex = regexp.MustCompile(`^\[(\d{1,2}):(\d{2}):(\d{2})\]\s*`)
	// optional chat channel tag such as "[Combat]" or "[System]"
	channelRegex = regexp.MustCompile(`^\[(?:Combat|System|Info|Spatial)\]\s*`)

	creditsFromRegex = regexp.MustCompile(`^You loot (\d[\d,]*) credits? from (.+?)\.?$`)
	creditsRecvRegex = regexp.MustCompile(`^You receive (\d[\d,]*) credits?(?: from (.+?))?\.?$`)
	lootedQtyRegex   = regexp.MustCompile(`^You looted (\d[\d,]*) (.+?) from (.+?)\.?$`)
	lootedFromRegex  = regexp.MustCompile(`^You looted (.+?) from (.+?)\.?$`)
	haveLootedRegex  = regexp.MustCompile(`^You have looted (.+?)\.?$`)
	placedRegex      = regexp.MustCompile(`^(.+?) has been placed in your inventory\.?$`)
	groupLootRegex   = regexp.MustCompile(`^\[Loot\] (\S+) looted (.+?)(?: \(x(\d[\d,]*)\))?\.?$`)
)

// Parser turns chat log lines into loot events. Chat timestamps carry no
// date; Date supplies it (today when zero).
type Parser struct {
	Date time.Time
}

// ParseLine parses a single chat log line.
func (p Parser) ParseLine(line string) (*Event, error) {
	content := strings.TrimSpace(line)
	if content == "" {
		return nil, ErrNoMatch
	}
	ev := &Event{Raw: content, Quantity: 1}

	if m := timestampRegex.FindStringSubmatch(content); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		if h < 24 && mi < 60 && s < 60 {
			base := p.Date
			if base.IsZero() {
				base = time.Now()
			}
			ev.Time = time.Date(base.Year(), base.Month(), base.Day(), h, mi, s, 0, base.Location())
		}
		content = content[len(m[0]):]
	}
	content = channelRegex.ReplaceAllString(content, "")

	if m := creditsFromRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindCredits
		ev.Item = "credits"
		ev.Quantity = parseQuantity(m[1])
		ev.Source = cleanName(m[2])
		return ev, nil
	}
	if m := creditsRecvRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindCredits
		ev.Item = "credits"
		ev.Quantity = parseQuantity(m[1])
		ev.Source = cleanName(m[2])
		return ev, nil
	}
	if m := lootedQtyRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindItem
		ev.Quantity = parseQuantity(m[1])
		ev.Item = cleanName(m[2])
		ev.Source = cleanName(m[3])
		return ev, nil
	}
	if m := lootedFromRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindItem
		ev.Item = cleanName(m[1])
		ev.Source = cleanName(m[2])
		return ev, nil
	}
	if m := haveLootedRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindItem
		ev.Item = cleanName(m[1])
		return ev, nil
	}
	if m := placedRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindItem
		ev.Item = cleanName(m[1])
		return ev, nil
	}
	if m := groupLootRegex.FindStringSubmatch(content); m != nil {
		ev.Kind = KindItem
		ev.Character = m[1]
		ev.Item = cleanName(m[2])
		if m[3] != "" {
			ev.Quantity = parseQuantity(m[3])
		}
		return ev, nil
	}
	return nil, ErrNoMatch
}

// parseQuantity accepts thousands separators ("1,250"). Unparseable
// quantities count as one.
func parseQuantity(s string) int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// cleanName strips a leading article and surrounding quotes.
func cleanName(s string) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	lower := strings.ToLower(s)
	for _, art := range []string{"a ", "an ", "the "} {
		if strings.HasPrefix(lower, art) {
			return strings.TrimSpace(s[len(art):])
		}
	}
	return s
}
