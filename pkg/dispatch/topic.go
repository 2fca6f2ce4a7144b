package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

var topicNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]{1,900}$`)

// NormalizeTopic strips an optional "/topics/" prefix and validates the name
// against the provider's topic naming rules.
func NormalizeTopic(name string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/topics/")
	if !topicNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	return name, nil
}
