// Package templates renders the user-facing message catalogue. Defaults are
// compiled in; a YAML file may override messages and variables and is
// reloaded when it changes.
package templates

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
)

// Name identifies a message.
type Name string

// Message names.
const (
	Renewed              Name = "renewed"
	Refunded             Name = "refunded"
	Canceled             Name = "canceled"
	ChargedBack          Name = "charged_back"
	SubscriptionCanceled Name = "subscription_canceled"
	SubscriptionExpired  Name = "subscription_expired"
	Banned               Name = "banned"
	Unbanned             Name = "unbanned"
	Expired              Name = "expired"
	InviteIssued         Name = "invite_issued"
	InviteResent         Name = "invite_resent"
	InviteFailed         Name = "invite_failed"
	AskName              Name = "onboarding_ask_name"
	AskEmail             Name = "onboarding_ask_email"
	EmailInvalid         Name = "onboarding_email_invalid"
	EmailUnknown         Name = "onboarding_email_unknown"
	EmailInactive        Name = "onboarding_email_inactive"
	EmailTaken           Name = "onboarding_email_taken"
	SessionMissing       Name = "onboarding_session_missing"
	CandidatePrompt      Name = "candidate_prompt"
	NoMoreCandidates     Name = "no_more_candidates"
	Heartbeat            Name = "heartbeat"
	NotAuthorized        Name = "not_authorized"
	AdminOnlyMode        Name = "admin_mode"
	RemovalDenied        Name = "removal_denied"
)

// Data is the value passed to every template. Vars holds file-level variables
// such as the support contact and renewal URL.
type Data struct {
	Name     string
	Email    string
	Link     string
	Account  int64
	DaysLeft int
	Vars     map[string]string
}

var defaultVars = map[string]string{
	"support":   "@support",
	"renew_url": "https://example.com/renew",
}

var defaultMessages = map[Name]string{
	Renewed:              "🎉 Hello {{.Name}}!\n\nYour access remains active.\n\nThank you for your trust! 🙏",
	Refunded:             "ℹ️ Hello {{.Name}},\n\nYour payment was refunded and your access has been removed.\n\nQuestions: {{.Vars.support}}",
	Canceled:             "ℹ️ Hello {{.Name}},\n\nYour purchase was canceled and your access has been removed.\n\nQuestions: {{.Vars.support}}",
	ChargedBack:          "⚠️ Hello {{.Name}},\n\nWe detected a payment dispute.\nYour access has been suspended.\n\nContact: {{.Vars.support}}",
	SubscriptionCanceled: "ℹ️ Hello {{.Name}},\n\nYour subscription was canceled.\nYou can subscribe again at any time:\n🛒 {{.Vars.renew_url}}",
	SubscriptionExpired:  "⏰ Hello {{.Name}},\n\nYour subscription expired.\nRenew now:\n🛒 {{.Vars.renew_url}}",
	Banned:               "🚫 You have been banned from the channel.\n\nIf you think this is a mistake, contact support: {{.Vars.support}}",
	Unbanned:             "🎉 Congratulations, {{.Name}}!\n\nYour account has been reactivated. Here is your exclusive access link:\n\n{{.Link}}\n\n⚠️ This link works once and expires in 1 hour.",
	Expired:              "⏰ Hello {{.Name}},\n\nYour subscription expired. To keep accessing the channel, please renew.\n\n🛒 {{.Vars.renew_url}}",
	InviteIssued:         "🥳 Purchase confirmed!\n\n🔗 Here is your exclusive access link:\n{{.Link}}\n\n⚠️ This link works once and expires in 1 hour.\n\nNeed help? {{.Vars.support}}",
	InviteResent:         "🔗 You already have an active link. Here it is again:\n{{.Link}}",
	InviteFailed:         "❌ We could not create your invite link. Please try again later.",
	AskName:              "🤓 Hello, welcome!\n\nWhat is your name?",
	AskEmail:             "👀 Hi {{.Name}}!\n\n📧 Now please send the e-mail you used for the purchase:",
	EmailInvalid:         "⚠️ That does not look like an e-mail address. Please send the e-mail you used for the purchase.",
	EmailUnknown:         "❌ We could not find a purchase for {{.Email}}.\n\nIf you just paid, wait a few minutes and send /start again.\n\n🛒 {{.Vars.renew_url}}",
	EmailInactive:        "❌ The subscription for {{.Email}} is not active.\n\n🛒 Renew: {{.Vars.renew_url}}",
	EmailTaken:           "❌ This e-mail is already linked to another account.\n\nIf you need help, contact support: {{.Vars.support}}",
	SessionMissing:       "To get started, send /start.",
	CandidatePrompt:      "👤 New member detected!\n\n🆔 ID: {{.Account}}\n👤 Name: {{.Name}}\n\n🚨 This account has NO access. Remove it?",
	NoMoreCandidates:     "✅ No further candidates are pending.",
	Heartbeat:            "✅ The bot is running.",
	NotAuthorized:        "❌ You are not allowed to use this command.",
	AdminOnlyMode:        "🔒 You are in admin mode. Use the admin commands.",
	RemovalDenied:        "⚠️ Could not remove {{.Email}} (ID {{.Account}}) from the channel.\n\nCheck the bot's administrator rights.",
}

// ForEvent returns the notification for a revoking payment event, or false
// when the event sends no status-wide notification.
func ForEvent(kind domain.EventKind) (Name, bool) {
	switch kind {
	case domain.EventRefunded:
		return Refunded, true
	case domain.EventCanceled:
		return Canceled, true
	case domain.EventChargedBack:
		return ChargedBack, true
	case domain.EventSubscriptionCanceled:
		return SubscriptionCanceled, true
	case domain.EventExpired:
		return SubscriptionExpired, true
	case domain.EventRenewed:
		return Renewed, true
	default:
		return "", false
	}
}

// fileFormat is the YAML override file.
type fileFormat struct {
	Vars     map[string]string `yaml:"vars"`
	Messages map[string]string `yaml:"messages"`
}

// Set is a compiled, swappable message catalogue.
type Set struct {
	mu    sync.RWMutex
	tmpls map[Name]*template.Template
	vars  map[string]string
}

// Default returns the compiled-in catalogue.
func Default() *Set {
	s, err := compile(defaultMessages, defaultVars)
	if err != nil {
		panic(fmt.Sprintf("default templates: %v", err))
	}
	return s
}

// Load reads overrides from path on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (*Set, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads path and swaps the catalogue atomically. On error the
// current catalogue is kept.
func (s *Set) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse templates %s: %w", path, err)
	}

	messages := maps.Clone(defaultMessages)
	for k, v := range f.Messages {
		if _, ok := defaultMessages[Name(k)]; !ok {
			return fmt.Errorf("unknown template %q in %s", k, path)
		}
		messages[Name(k)] = v
	}
	vars := maps.Clone(defaultVars)
	maps.Copy(vars, f.Vars)

	next, err := compile(messages, vars)
	if err != nil {
		return fmt.Errorf("compile templates %s: %w", path, err)
	}

	s.mu.Lock()
	s.tmpls, s.vars = next.tmpls, next.vars
	s.mu.Unlock()
	return nil
}

func compile(messages map[Name]string, vars map[string]string) (*Set, error) {
	tmpls := make(map[Name]*template.Template, len(messages))
	for name, text := range messages {
		t, err := template.New(string(name)).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		tmpls[name] = t
	}
	return &Set{tmpls: tmpls, vars: vars}, nil
}

// Render executes a template.
func (s *Set) Render(name Name, data Data) (string, error) {
	s.mu.RLock()
	t, ok := s.tmpls[name]
	vars := s.vars
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	if data.Vars == nil {
		data.Vars = vars
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// MustRender renders a template and falls back to the raw name on failure.
// Templates are validated at load, so failure means a programming error.
func (s *Set) MustRender(name Name, data Data) string {
	out, err := s.Render(name, data)
	if err != nil {
		return string(name)
	}
	return out
}

// Var returns a catalogue variable.
func (s *Set) Var(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vars[key]
}
