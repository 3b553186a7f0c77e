// Package deliverability scores outbound messages for spam likelihood and
// prepares their bodies (sanitized HTML, guaranteed text alternative).
package deliverability

import (
	"context"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/mailerr"
)

// MaxScore is the top of the score scale.
const MaxScore = 10

var spamPhrases = []string{
	"free money",
	"act now",
	"limited time",
	"click here",
	"cash bonus",
	"100% free",
	"risk-free",
	"no credit check",
	"buy now",
	"earn money",
	"guaranteed",
	"congratulations",
	"you have been selected",
	"double your",
	"lottery",
	"winner",
	"urgent response",
}

var urlShorteners = []string{"bit.ly/", "tinyurl.com/", "goo.gl/", "t.co/", "ow.ly/", "is.gd/", "buff.ly/"}

var (
	moneyRun = regexp.MustCompile(`[$€£]{2,}`)
	linkAttr = regexp.MustCompile(`(?i)<a\s[^>]*href\s*=`)
	imgTag   = regexp.MustCompile(`(?i)<img[\s>/]`)
)

// Report is the outcome of scoring one message.
type Report struct {
	Score   int      `json:"score"`
	Issues  []string `json:"issues"`
	Warning bool     `json:"warning"`
}

// Score rates a message from 0 (clean) to 10 (certain spam). html should
// already be sanitized; text is the caller-provided alternative, possibly empty.
// The result depends on the inputs only.
func Score(subject, html, text, from string) Report {
	var r Report
	add := func(points int, issue string) {
		r.Score += points
		r.Issues = append(r.Issues, issue)
	}

	readable := strings.TrimSpace(text)
	if readable == "" {
		readable = HTMLToText(html)
	}
	haystack := strings.ToLower(subject + "\n" + readable)

	phrases := 0
	for _, phrase := range spamPhrases {
		if strings.Contains(haystack, phrase) && phrases < 4 {
			phrases++
			add(1, fmt.Sprintf("spam trigger phrase %q", phrase))
		}
	}

	if isShouting(subject, 4, 1.0) {
		add(2, "subject is all caps")
	}
	if strings.Contains(subject, "!!") || strings.Contains(readable, "!!") {
		add(1, "repeated exclamation marks")
	}
	if strings.TrimSpace(html) != "" && strings.TrimSpace(text) == "" {
		add(1, "HTML body without a text alternative")
	}
	if n := len(linkAttr.FindAllStringIndex(html, -1)); n > 5 {
		add(1, fmt.Sprintf("too many links (%d)", n))
	}
	if n := len(imgTag.FindAllStringIndex(html, -1)); n > 3 {
		add(1, fmt.Sprintf("too many images (%d)", n))
	}
	if strings.TrimSpace(subject) == "" {
		add(1, "empty subject")
	}
	if _, err := mail.ParseAddress(from); err != nil {
		add(2, "invalid sender address")
	}
	lowerBody := strings.ToLower(html + "\n" + text)
	for _, shortener := range urlShorteners {
		if strings.Contains(lowerBody, shortener) {
			add(1, "link shortener in body")
			break
		}
	}
	if isShouting(readable, 20, 0.3) {
		add(1, "body is mostly capital letters")
	}
	if moneyRun.MatchString(subject + readable) {
		add(1, "run of currency symbols")
	}

	if r.Score > MaxScore {
		r.Score = MaxScore
	}
	return r
}

// isShouting reports whether s has at least minLetters letters and more than
// ratio of them are upper case (ratio 1.0 means all of them).
func isShouting(s string, minLetters int, ratio float64) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < minLetters {
		return false
	}
	if ratio >= 1.0 {
		return upper == letters
	}
	return float64(upper)/float64(letters) > ratio
}

// Policy holds the thresholds applied to a score.
type Policy struct {
	Block         int
	Warn          int
	MinTextLength int
}

// PolicyFromConfig reads the thresholds from the send configuration.
func PolicyFromConfig(cfg config.SendConfig) Policy {
	return Policy{Block: cfg.ScoreBlock, Warn: cfg.ScoreWarn, MinTextLength: cfg.MinTextLength}
}

// DefaultPolicy blocks at 7, warns at 5 and needs 10 characters of text.
func DefaultPolicy() Policy {
	return Policy{Block: 7, Warn: 5, MinTextLength: 10}
}

// Content is an outbound message as seen by the guard.
type Content struct {
	Subject string
	HTML    string
	Text    string
	From    string
	// Raw is the rendered MIME message, used by the optional spam checker.
	Raw []byte
}

// Prepared is the body that passed the guard.
type Prepared struct {
	HTML   string
	Text   string
	Report Report
}

// Guard applies the deliverability policy to outbound messages.
type Guard struct {
	policy Policy
	spam   SpamChecker
	log    logrus.FieldLogger
}

// Option configures a Guard.
type Option func(*Guard)

// WithSpamChecker adds an external spam score to the heuristic one.
func WithSpamChecker(checker SpamChecker) Option {
	return func(g *Guard) { g.spam = checker }
}

// NewGuard creates a Guard with the given policy.
func NewGuard(policy Policy, log logrus.FieldLogger, opts ...Option) *Guard {
	g := &Guard{policy: policy, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prepare sanitizes the HTML body and makes sure a usable text body exists.
// It fails with ErrInsufficientContent when the text would be too short.
func (g *Guard) Prepare(html, text string) (cleanHTML, cleanText string, err error) {
	cleanHTML = SanitizeHTML(html)
	cleanText, err = EnsureText(cleanHTML, text, g.policy.MinTextLength)
	if err != nil {
		return "", "", err
	}
	return cleanHTML, cleanText, nil
}

// Check scores c and applies the policy. A score at or above the block
// threshold returns a *mailerr.DeliverabilityError alongside the report.
func (g *Guard) Check(ctx context.Context, c Content) (Report, error) {
	report := Score(c.Subject, c.HTML, c.Text, c.From)

	if g.spam != nil && len(c.Raw) > 0 {
		saScore, isSpam, err := g.spam.Check(ctx, c.Raw)
		if err != nil {
			// spamd being down must not stop mail.
			g.log.WithError(err).Warn("SpamAssassin check failed, using heuristic score only")
		} else {
			external := int(math.Round(math.Max(0, math.Min(saScore, MaxScore))))
			if isSpam && external < g.policy.Block {
				external = g.policy.Block
			}
			if external > report.Score {
				report.Score = external
				report.Issues = append(report.Issues, fmt.Sprintf("SpamAssassin score %.1f", saScore))
			}
		}
	}

	if report.Score >= g.policy.Block {
		return report, &mailerr.DeliverabilityError{Score: report.Score, Issues: report.Issues}
	}
	report.Warning = report.Score >= g.policy.Warn
	return report, nil
}
