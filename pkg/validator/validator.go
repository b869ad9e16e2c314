package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageLength = 4000
	MaxGroupMembers  = 256
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

// Error lists the failures sorted by field so the message is stable.
func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s: %s", f, v[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Err returns v as an error, or nil when there is nothing to report.
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

var participantRegex = regexp.MustCompile(`^(0x[0-9a-fA-F]{1,64}|did:[a-z0-9]+:[A-Za-z0-9_.:%-]+)$`)

func ValidateGroup(name, visibility string, members []string) ValidationErrors {
	errs := make(ValidationErrors)

	name = strings.TrimSpace(name)
	if name == "" {
		errs.Add("name", "Group name is required")
	} else if utf8.RuneCountInString(name) < 2 {
		errs.Add("name", "Group name must be at least 2 characters")
	} else if utf8.RuneCountInString(name) > 100 {
		errs.Add("name", "Group name is too long")
	}

	if visibility != "" && visibility != "public" && visibility != "private" {
		errs.Add("visibility", "Group visibility must be public or private")
	}

	if len(members) > 0 {
		validateMembers(members, errs)
	}

	return errs
}

func ValidateMembers(members []string) ValidationErrors {
	errs := make(ValidationErrors)
	if len(members) == 0 {
		errs.Add("members", "At least one member is required")
		return errs
	}
	validateMembers(members, errs)
	return errs
}

func ValidateSearchQuery(query string) ValidationErrors {
	errs := make(ValidationErrors)

	query = strings.TrimSpace(query)
	if query == "" {
		errs.Add("query", "Search query is required")
	} else if utf8.RuneCountInString(query) < 2 {
		errs.Add("query", "Search query must be at least 2 characters")
	} else if utf8.RuneCountInString(query) > 100 {
		errs.Add("query", "Search query is too long")
	}

	return errs
}

func ValidateMessage(content string, attachments int) ValidationErrors {
	errs := make(ValidationErrors)

	content = strings.TrimSpace(content)
	if content == "" && attachments == 0 {
		errs.Add("content", "Message content is required")
	} else if utf8.RuneCountInString(content) > MaxMessageLength {
		errs.Add("content", fmt.Sprintf("Message must be at most %d characters", MaxMessageLength))
	}

	return errs
}

func ValidateDisplayName(displayName string) ValidationErrors {
	errs := make(ValidationErrors)

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return errs
	}
	if utf8.RuneCountInString(displayName) < 2 {
		errs.Add("display_name", "Display name must be at least 2 characters")
	} else if utf8.RuneCountInString(displayName) > 100 {
		errs.Add("display_name", "Display name is too long")
	}

	return errs
}

func validateMembers(members []string, errs ValidationErrors) {
	if len(members) > MaxGroupMembers {
		errs.Add("members", fmt.Sprintf("A group can have at most %d members", MaxGroupMembers))
		return
	}

	seen := make(map[string]bool, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if !participantRegex.MatchString(m) {
			errs.Add("members", fmt.Sprintf("Invalid member id %q", m))
			return
		}
		if seen[m] {
			errs.Add("members", fmt.Sprintf("Duplicate member %q", m))
			return
		}
		seen[m] = true
	}
}
