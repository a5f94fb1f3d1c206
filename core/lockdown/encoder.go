// Package lockdown writes Safe Exam Browser configuration files for an exam.
package lockdown

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"howett.net/plist"
)

const (
	ContentType   = "application/seb"
	FileExtension = ".seb"

	browserViewModeFullscreen = 1
	policyOpenInSameWindow    = 1
	filterActionAllow         = 1
)

var ErrInvalidBaseURL = errors.New("base url must be an absolute http(s) url")

// Settings are the per-exam lockdown options chosen by the invigilator.
type Settings struct {
	AllowQuit    bool     `json:"allow_quit"`
	QuitPassword string   `json:"quit_password"`
	AllowedURLs  []string `json:"allowed_urls"` // extra URL filter expressions, e.g. "docs.example.com/*"
	AllowReload  bool     `json:"allow_reload"`
	SpellCheck   bool     `json:"spell_check"`
}

type filterRule struct {
	Action     int    `plist:"action"`
	Active     bool   `plist:"active"`
	Expression string `plist:"expression"`
	Regex      bool   `plist:"regex"`
}

type sebConfig struct {
	OriginatorName     string `plist:"originatorName"`
	ExamTitle          string `plist:"examTitle"`
	StartURL           string `plist:"startURL"`
	SendBrowserExamKey bool   `plist:"sendBrowserExamKey"`
	AllowQuit          bool   `plist:"allowQuit"`
	HashedQuitPassword string `plist:"hashedQuitPassword,omitempty"`

	URLFilterEnable              bool         `plist:"URLFilterEnable"`
	URLFilterEnableContentFilter bool         `plist:"URLFilterEnableContentFilter"`
	URLFilterRules               []filterRule `plist:"URLFilterRules"`

	BrowserViewMode                int  `plist:"browserViewMode"`
	AllowBrowsingBackForward       bool `plist:"allowBrowsingBackForward"`
	BrowserWindowAllowReload       bool `plist:"browserWindowAllowReload"`
	NewBrowserWindowByLinkPolicy   int  `plist:"newBrowserWindowByLinkPolicy"`
	NewBrowserWindowByScriptPolicy int  `plist:"newBrowserWindowByScriptPolicy"`
	EnablePrivateClipboard         bool `plist:"enablePrivateClipboard"`
	EnableRightMouse               bool `plist:"enableRightMouse"`
	AllowSpellCheck                bool `plist:"allowSpellCheck"`
	AllowDictionaryLookup          bool `plist:"allowDictionaryLookup"`
	EnablePrintScreen              bool `plist:"enablePrintScreen"`
	EnableAltTab                   bool `plist:"enableAltTab"`
	EnableEsc                      bool `plist:"enableEsc"`
	EnableF1                       bool `plist:"enableF1"`
	EnableF2                       bool `plist:"enableF2"`
	EnableF3                       bool `plist:"enableF3"`
	EnableF4                       bool `plist:"enableF4"`
	EnableF5                       bool `plist:"enableF5"`
	EnableF6                       bool `plist:"enableF6"`
	EnableF7                       bool `plist:"enableF7"`
	EnableF8                       bool `plist:"enableF8"`
	EnableF9                       bool `plist:"enableF9"`
	EnableF10                      bool `plist:"enableF10"`
	EnableF11                      bool `plist:"enableF11"`
	EnableF12                      bool `plist:"enableF12"`
}

// HashPassword returns the SHA-256 hex digest Safe Exam Browser expects for quit passwords.
func HashPassword(pwd string) string {
	sum := sha256.Sum256([]byte(pwd))
	return hex.EncodeToString(sum[:])
}

// StartURL is the page the locked-down browser opens for examID.
func StartURL(baseURL, examID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidBaseURL
	}
	return strings.TrimRight(u.String(), "/") + "/exams/" + url.PathEscape(examID) + "/take", nil
}

// Encode builds the XML property list of an exam's lockdown configuration.
func Encode(examTitle, examID string, settings Settings, baseURL string) ([]byte, error) {
	startURL, err := StartURL(baseURL, examID)
	if err != nil {
		return nil, err
	}
	host, _ := url.Parse(startURL)

	rules := []filterRule{{Action: filterActionAllow, Active: true, Expression: host.Host + "/*"}}
	for _, expr := range settings.AllowedURLs {
		if expr = strings.TrimSpace(expr); expr != "" {
			rules = append(rules, filterRule{Action: filterActionAllow, Active: true, Expression: expr})
		}
	}

	conf := sebConfig{
		OriginatorName:                 "Masomo Proctor",
		ExamTitle:                      examTitle,
		StartURL:                       startURL,
		SendBrowserExamKey:             true,
		AllowQuit:                      settings.AllowQuit,
		URLFilterEnable:                true,
		URLFilterRules:                 rules,
		BrowserViewMode:                browserViewModeFullscreen,
		BrowserWindowAllowReload:       settings.AllowReload,
		NewBrowserWindowByLinkPolicy:   policyOpenInSameWindow,
		NewBrowserWindowByScriptPolicy: policyOpenInSameWindow,
		EnablePrivateClipboard:         true,
		AllowSpellCheck:                settings.SpellCheck,
	}
	if settings.QuitPassword != "" {
		conf.HashedQuitPassword = HashPassword(settings.QuitPassword)
	}

	data, err := plist.MarshalIndent(conf, plist.XMLFormat, "\t")
	if err != nil {
		return nil, errors.Wrap(err, "encoding plist")
	}
	return data, nil
}

// Filename is a safe download name for the configuration of examTitle.
func Filename(examTitle, examID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, strings.TrimSpace(examTitle))
	if name == "" {
		name = "exam-" + examID
	}
	return name + FileExtension
}
