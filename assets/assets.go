// Package assets carries the canned conversational content: crisis
// resource messages, rotating journal prompts, acknowledgment variants
// and fallback replies. Content lives in content.yaml so copy changes
// don't touch Go code.
package assets

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed content.yaml
var contentRaw []byte

type Acknowledgment struct {
	Text   string `yaml:"text"`
	Weight int    `yaml:"weight"`
}

type Fallbacks struct {
	RateLimited string `yaml:"rate_limited"`
	ServerError string `yaml:"server_error"`
	Timeout     string `yaml:"timeout"`
}

type CommandReplies struct {
	Forget string `yaml:"forget"`
	Stop   string `yaml:"stop"`
	Resume string `yaml:"resume"`
}

type Content struct {
	CrisisResources map[string]string `yaml:"crisis_resources"`
	JournalPrompts  []string          `yaml:"journal_prompts"`
	CheckinMessages []string          `yaml:"checkin_messages"`
	Acknowledgments []Acknowledgment  `yaml:"acknowledgments"`
	FollowUpMessage string            `yaml:"follow_up_message"`
	Fallbacks       Fallbacks         `yaml:"fallbacks"`
	Commands        CommandReplies    `yaml:"commands"`
	HelpText        string            `yaml:"help_text"`
	WelcomeText     string            `yaml:"welcome_text"`
	VoiceNotice     string            `yaml:"voice_notice"`
}

var (
	loadOnce sync.Once
	loaded   Content
	loadErr  error
)

func Load() (Content, error) {
	loadOnce.Do(func() {
		var c Content
		if err := yaml.Unmarshal(contentRaw, &c); err != nil {
			loadErr = fmt.Errorf("parse embedded content: %w", err)
			return
		}
		if err := validate(c); err != nil {
			loadErr = err
			return
		}
		loaded = c
	})
	return loaded, loadErr
}

// MustLoad is for process startup paths where embedded content being
// broken is a build defect, not a runtime condition.
func MustLoad() Content {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

func validate(c Content) error {
	for _, level := range []string{"medium", "high", "critical"} {
		if strings.TrimSpace(c.CrisisResources[level]) == "" {
			return fmt.Errorf("crisis_resources.%s is required", level)
		}
	}
	if len(c.JournalPrompts) == 0 {
		return fmt.Errorf("journal_prompts is required")
	}
	if len(c.CheckinMessages) == 0 {
		return fmt.Errorf("checkin_messages is required")
	}
	if strings.TrimSpace(c.Fallbacks.ServerError) == "" {
		return fmt.Errorf("fallbacks.server_error is required")
	}
	if strings.TrimSpace(c.HelpText) == "" {
		return fmt.Errorf("help_text is required")
	}
	if strings.TrimSpace(c.WelcomeText) == "" {
		return fmt.Errorf("welcome_text is required")
	}
	return nil
}
