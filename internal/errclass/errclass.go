// Package errclass maps executor failure signatures to categories and a
// retry or escalate decision.
package errclass

import (
	"fmt"
	"regexp"

	"github.com/Rogers-F/threadline/internal/domain"
)

// MaxRetries is the upper bound of retries for any step or probe.
const MaxRetries = 2

// Signature is one row of the classification table. A row matches when its
// Code equals the signature code, or its Match expression finds the message.
type Signature struct {
	Code       string               `json:"code" mapstructure:"code"`
	Match      string               `json:"match" mapstructure:"match"`
	Category   domain.ErrorCategory `json:"category" mapstructure:"category"`
	Retryable  bool                 `json:"retryable" mapstructure:"retryable"`
	MaxRetries int                  `json:"max_retries" mapstructure:"max_retries"`
	Hint       string               `json:"hint" mapstructure:"hint"`

	re *regexp.Regexp
}

// Verdict is the classification of one failure.
type Verdict struct {
	Category   domain.ErrorCategory
	Retryable  bool
	MaxRetries int
	Hint       string
}

// Guidance holds the default handling of each category.
var Guidance = map[domain.ErrorCategory]Verdict{
	domain.CategoryPermission: {
		Category: domain.CategoryPermission,
		Hint:     "use a role that holds the required privilege, or ask an administrator to grant it",
	},
	domain.CategoryObjectExists: {
		Category: domain.CategoryObjectExists,
		Hint:     "the object already exists; reuse it or pick another name",
	},
	domain.CategoryTransient: {
		Category:   domain.CategoryTransient,
		Retryable:  true,
		MaxRetries: MaxRetries,
		Hint:       "the system was temporarily unavailable; retry the phase later",
	},
	domain.CategorySyntax: {
		Category: domain.CategorySyntax,
		Hint:     "the generated action was rejected as malformed; modify the step",
	},
	domain.CategoryUnknown: {
		Category: domain.CategoryUnknown,
		Hint:     "unrecognized failure; inspect the message before retrying",
	},
}

// DefaultSignatures is the built-in table, consulted after configured rows.
func DefaultSignatures() []Signature {
	return []Signature{
		{Match: `(?i)permission denied|access denied|insufficient privilege|not authori[sz]ed|forbidden|does not own`, Category: domain.CategoryPermission},
		{Match: `(?i)already exists|duplicate|already attached`, Category: domain.CategoryObjectExists},
		{Match: `(?i)time(d)? ?out|temporar|connection (reset|refused)|unavailable|try again|deadlock|rate limit|too many requests`, Category: domain.CategoryTransient, Retryable: true, MaxRetries: MaxRetries},
		{Match: `(?i)syntax error|parse error|invalid identifier|unexpected token`, Category: domain.CategorySyntax},
	}
}

// Classifier holds an ordered signature table. It is immutable after New and
// safe for concurrent use.
type Classifier struct {
	table []Signature
}

// New builds a classifier whose table is extra followed by the defaults, so
// configured rows take precedence.
func New(extra []Signature) (*Classifier, error) {
	rows := append(append([]Signature{}, extra...), DefaultSignatures()...)
	for i := range rows {
		if err := rows[i].compile(); err != nil {
			return nil, err
		}
	}
	return &Classifier{table: rows}, nil
}

func (s *Signature) compile() error {
	if s.Code == "" && s.Match == "" {
		return fmt.Errorf("error signature for %q needs a code or match", s.Category)
	}
	if _, ok := Guidance[s.Category]; !ok {
		return fmt.Errorf("error signature %q: unknown category %q", s.Match, s.Category)
	}
	if s.Match != "" {
		re, err := regexp.Compile(s.Match)
		if err != nil {
			return fmt.Errorf("error signature %q: %w", s.Match, err)
		}
		s.re = re
	}
	if s.MaxRetries > MaxRetries {
		s.MaxRetries = MaxRetries
	}
	if s.Retryable && s.MaxRetries == 0 {
		s.MaxRetries = MaxRetries
	}
	return nil
}

// Classify categorizes sig. Step overrides win over the table; an
// unmatched signature is unknown and never retried.
func (c *Classifier) Classify(sig domain.ErrorSignature, overrides []domain.ErrorOverride) Verdict {
	for _, o := range overrides {
		re, err := regexp.Compile(o.Match)
		if err != nil {
			continue
		}
		if re.MatchString(sig.Message) || (sig.Code != "" && re.MatchString(sig.Code)) {
			v := Guidance[o.Category]
			v.Category = o.Category
			v.Retryable = o.Retryable
			v.MaxRetries = 0
			if o.Retryable {
				v.MaxRetries = MaxRetries
			}
			return v
		}
	}

	for _, s := range c.table {
		if (s.Code != "" && s.Code == sig.Code) || (s.re != nil && s.re.MatchString(sig.Message)) {
			v := Guidance[s.Category]
			v.Retryable = s.Retryable
			v.MaxRetries = s.MaxRetries
			if s.Hint != "" {
				v.Hint = s.Hint
			}
			return v
		}
	}
	return Guidance[domain.CategoryUnknown]
}
